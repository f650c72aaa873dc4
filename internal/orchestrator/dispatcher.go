package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"refinery/internal/protocol"
)

// Dispatcher hands work to the generator and analyzer services. Both calls are
// fire-and-forget at the protocol level: the worker answers 202 and reports
// back through the orchestrator's callback endpoints.
type Dispatcher interface {
	DispatchGeneration(ctx context.Context, req protocol.GenerateRequest) error
	DispatchAnalysis(ctx context.Context, req protocol.AnalyzeRequest) error
}

// HTTPDispatcher posts to remote worker endpoints.
type HTTPDispatcher struct {
	GeneratorURL string
	AnalyzerURL  string
	Client       *http.Client
}

func NewHTTPDispatcher(generatorURL, analyzerURL string) *HTTPDispatcher {
	return &HTTPDispatcher{
		GeneratorURL: strings.TrimRight(generatorURL, "/"),
		AnalyzerURL:  strings.TrimRight(analyzerURL, "/"),
		Client:       &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *HTTPDispatcher) DispatchGeneration(ctx context.Context, req protocol.GenerateRequest) error {
	return d.post(ctx, d.GeneratorURL+"/generate", req)
}

func (d *HTTPDispatcher) DispatchAnalysis(ctx context.Context, req protocol.AnalyzeRequest) error {
	return d.post(ctx, d.AnalyzerURL+"/analyze", req)
}

func (d *HTTPDispatcher) post(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := d.Client.Do(httpReq)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("dispatch to %s returned %d: %s", url, res.StatusCode, msg)
	}
	return nil
}
