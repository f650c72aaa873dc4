package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"refinery/internal/analyzer"
	"refinery/internal/blob"
	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/evaluator"
	"refinery/internal/generator"
	"refinery/internal/llm"
	"refinery/internal/migrate"
	"refinery/internal/orchestrator"
	"refinery/internal/repo"
	"refinery/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "Refinery CLI",
	Long: `Refinery runs self-refining generation loops: waves of parallel
generators produce candidate artifacts, an analyzer scores them against a
scorecard and distills learnings, and the next wave generates with those
learnings folded into its prompt. The loop stops on budget, wave count,
quality plateau, viable-candidate count, or an explicit human approval gate.

Run 'rf serve' to host the loop, 'rf run start' to kick off a project, and
'rf run status' to watch it converge.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("REFINERY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080/v0", "API base URL for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(jobsCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the refinement server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			store, err := blob.NewWorkspace(workspace)
			if err != nil {
				return err
			}

			selfURL := strings.TrimRight(cfg.Endpoints.SelfURL, "/")
			if selfURL == "" {
				selfURL = "http://" + addr
			}
			base := selfURL + basePath
			generatorURL := orDefault(cfg.Endpoints.GeneratorURL, base)
			analyzerURL := orDefault(cfg.Endpoints.AnalyzerURL, base)
			evaluatorURL := orDefault(cfg.Endpoints.EvaluatorURL, base)

			model := llm.NewHTTPClient(cfg)
			engine := orchestrator.New(conn, store, cfg, orchestrator.NewHTTPDispatcher(generatorURL, analyzerURL))
			defer engine.Close()

			handler, err := server.New(server.Config{
				Engine:    engine,
				Generator: generator.New(model, store, base),
				Analyzer:  analyzer.New(model, store, evaluatorURL, base, cfg.Analyzer.EvalConcurrency),
				Evaluator: evaluator.New(model),
				Blob:      store,
				BasePath:  basePath,
			})
			if err != nil {
				return err
			}
			if err := engine.Rehydrate(cmd.Context()); err != nil {
				return err
			}
			go engine.RunSweeper(cmd.Context())

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Refinery API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{
		Use:   "run",
		Short: "Drive refinement projects on a running server",
	}
	run.AddCommand(runStartCmd())
	run.AddCommand(runStatusCmd())
	run.AddCommand(runApproveCmd())
	return run
}

func runStartCmd() *cobra.Command {
	var specFile, scorecardFile string
	var maxWaves, minViable, plateauWaves int
	var maxCost, plateauDelta float64
	var manualApproval bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a refinement project",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := os.ReadFile(specFile)
			if err != nil {
				return err
			}
			card, err := os.ReadFile(scorecardFile)
			if err != nil {
				return err
			}
			termination := map[string]any{}
			if cmd.Flags().Changed("max-waves") {
				termination["max_waves"] = maxWaves
			}
			if cmd.Flags().Changed("max-cost-usd") {
				termination["max_cost_usd"] = maxCost
			}
			if cmd.Flags().Changed("min-viable") {
				termination["min_viable_candidates"] = minViable
			}
			if cmd.Flags().Changed("plateau-waves") {
				termination["quality_plateau"] = map[string]any{
					"waves": plateauWaves,
					"delta": plateauDelta,
				}
			}
			if manualApproval {
				termination["manual_approval"] = true
			}
			body := map[string]any{
				"spec_content_b64":      base64.StdEncoding.EncodeToString(spec),
				"scorecard_content_b64": base64.StdEncoding.EncodeToString(card),
			}
			if len(termination) > 0 {
				body["termination_conditions"] = termination
			}
			out, err := postJSON(viper.GetString("server")+"/start", body)
			if err != nil {
				return err
			}
			return printJSONOrTable(out)
		},
	}
	cmd.Flags().StringVar(&specFile, "spec", "", "path to the spec markdown")
	cmd.Flags().StringVar(&scorecardFile, "scorecard", "", "path to the scorecard JSON")
	cmd.Flags().IntVar(&maxWaves, "max-waves", 0, "stop after this many waves")
	cmd.Flags().Float64Var(&maxCost, "max-cost-usd", 0, "hard budget in USD")
	cmd.Flags().IntVar(&minViable, "min-viable", 0, "stop once this many artifacts clear the viability threshold")
	cmd.Flags().IntVar(&plateauWaves, "plateau-waves", 0, "plateau window in waves")
	cmd.Flags().Float64Var(&plateauDelta, "plateau-delta", 0, "minimum best-score improvement over the window")
	cmd.Flags().BoolVar(&manualApproval, "manual-approval", false, "pause after each wave for approval")
	_ = cmd.MarkFlagRequired("spec")
	_ = cmd.MarkFlagRequired("scorecard")
	return cmd
}

func runStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := getJSON(viper.GetString("server") + "/projects/" + args[0] + "/status")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Project: %v (%v)\n", out["project_id"], out["status"])
			fmt.Printf("Wave: %v\n", out["current_wave"])
			if cost, ok := out["cost_tracker"].(map[string]any); ok {
				fmt.Printf("Cost: %v tokens, $%v\n", cost["total_tokens"], cost["estimated_cost_usd"])
			}
			if history, ok := out["quality_history"].([]any); ok && len(history) > 0 {
				fmt.Printf("Quality history: %v\n", history)
			}
			if learnings, ok := out["latest_learnings"].(string); ok && learnings != "" {
				fmt.Printf("Learnings:\n%s\n", learnings)
			}
			return nil
		},
	}
	return cmd
}

func runApproveCmd() *cobra.Command {
	var guidancePath string
	cmd := &cobra.Command{
		Use:   "approve <project-id>",
		Short: "Approve proposed learnings and resume the loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if guidancePath != "" {
				body["human_guidance_r2_path"] = guidancePath
			}
			out, err := postJSON(viper.GetString("server")+"/projects/"+args[0]+"/approve", body)
			if err != nil {
				return err
			}
			return printJSONOrTable(out)
		},
	}
	cmd.Flags().StringVar(&guidancePath, "guidance-path", "", "blob path of stored human guidance")
	return cmd
}

func projectsCmd() *cobra.Command {
	p := &cobra.Command{Use: "projects", Short: "Inspect projects"}
	p.AddCommand(projectsListCmd())
	return p
}

func projectsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspace projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Wave", "Tokens", "Cost USD", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Status, p.CurrentWave, p.Cost.TotalTokens, fmt.Sprintf("%.4f", p.Cost.EstimatedCostUSD), p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func artifactsCmd() *cobra.Command {
	a := &cobra.Command{Use: "artifacts", Short: "Inspect artifacts"}
	a.AddCommand(artifactsListCmd())
	return a
}

func artifactsListCmd() *cobra.Command {
	var f repo.ArtifactFilters
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListArtifacts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Wave", "Status", "Score", "Blob"})
				for _, a := range items {
					score := ""
					if a.QualityScore != nil {
						score = fmt.Sprintf("%.1f", *a.QualityScore)
					}
					path := ""
					if a.BlobPath != nil {
						path = *a.BlobPath
					}
					tw.AppendRow(table.Row{a.ID, a.WaveNumber, a.Status, score, path})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.WaveNumber, "wave", 0, "wave filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func jobsCmd() *cobra.Command {
	j := &cobra.Command{Use: "jobs", Short: "Inspect dispatched jobs"}
	j.AddCommand(jobsListCmd())
	return j
}

func jobsListCmd() *cobra.Command {
	var f repo.JobFilters
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List a project's dispatched jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ProjectID = args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListJobs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Kind", "Artifact", "Status", "Retries", "Deadline"})
				for _, job := range items {
					tw.AppendRow(table.Row{job.ID, job.Kind, job.ArtifactID, job.Status, job.Retries, job.DeadlineAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter (generation, analysis)")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEventsFrom(ctx, n, 0, projectID, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default refinery.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return strings.TrimRight(v, "/")
}

func postJSON(url string, body any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return decodeResponse(res)
}

func getJSON(url string) (map[string]any, error) {
	res, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	return decodeResponse(res)
}

func decodeResponse(res *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unexpected response (%d): %s", res.StatusCode, data)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if e, ok := out["error"].(map[string]any); ok {
			return nil, fmt.Errorf("%v: %v", e["code"], e["message"])
		}
		return nil, fmt.Errorf("server returned %d: %s", res.StatusCode, data)
	}
	return out, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
