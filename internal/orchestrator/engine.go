// Package orchestrator owns the project state machine: it starts waves,
// reconciles worker callbacks against the job table, fires timeouts and
// retries, tracks cost, and decides termination. All transitions for a
// project run serialized on its mailbox, and every transition is written to
// sqlite before it is acknowledged.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"refinery/internal/blob"
	"refinery/internal/config"
	"refinery/internal/domain"
	"refinery/internal/events"
	"refinery/internal/repo"
)

var (
	// ErrInvalid maps to HTTP 400.
	ErrInvalid = errors.New("invalid request")
	// ErrConflict maps to HTTP 409.
	ErrConflict = errors.New("conflict")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Blob     blob.Store
	Config   *config.Config
	Dispatch Dispatcher
	Now      func() time.Time

	boxes  *mailboxes
	timers *timerSet
	stop   chan struct{}
	once   sync.Once
}

func New(db *sql.DB, store blob.Store, cfg *config.Config, dispatch Dispatcher) *Engine {
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Blob:     store,
		Config:   cfg,
		Dispatch: dispatch,
		Now:      time.Now,
		boxes:    newMailboxes(),
		timers:   newTimerSet(),
		stop:     make(chan struct{}),
	}
}

func (e *Engine) now() time.Time { return e.Now().UTC() }

func (e *Engine) ts() string { return e.now().Format(time.RFC3339) }

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Close stops the sweeper, pending timers, and the per-project mailboxes.
// In-flight closures finish; anything submitted afterwards gets errClosed.
func (e *Engine) Close() {
	e.once.Do(func() {
		close(e.stop)
		e.timers.stopAll()
		e.boxes.closeAll()
	})
}

// StartProject validates the request, persists the new project and kicks off
// wave 1. The project row and its first wave's jobs are durable before this
// returns.
func (e *Engine) StartProject(ctx context.Context, specB64, scorecardB64 string, term *domain.TerminationConditions) (domain.Project, error) {
	specBytes, err := base64.StdEncoding.DecodeString(specB64)
	if err != nil || len(specBytes) == 0 {
		return domain.Project{}, fmt.Errorf("%w: spec_content_b64 must be non-empty base64", ErrInvalid)
	}
	cardBytes, err := base64.StdEncoding.DecodeString(scorecardB64)
	if err != nil {
		return domain.Project{}, fmt.Errorf("%w: scorecard_content_b64 must be valid base64", ErrInvalid)
	}
	var card domain.Scorecard
	if err := json.Unmarshal(cardBytes, &card); err != nil {
		return domain.Project{}, fmt.Errorf("%w: scorecard is not valid JSON: %v", ErrInvalid, err)
	}
	if len(card.Tests) == 0 {
		return domain.Project{}, fmt.Errorf("%w: scorecard must define at least one test", ErrInvalid)
	}
	for _, t := range card.Tests {
		if t.TestType == "" {
			return domain.Project{}, fmt.Errorf("%w: scorecard test_type must be non-empty", ErrInvalid)
		}
		if t.Weight <= 0 {
			return domain.Project{}, fmt.Errorf("%w: scorecard weight must be > 0", ErrInvalid)
		}
	}

	id := uuid.NewString()
	p := domain.Project{
		ID:            id,
		Status:        domain.StatusIdle,
		CurrentWave:   0,
		SpecPath:      blob.SpecPath(id),
		ScorecardPath: blob.ScorecardPath(id),
		CreatedAt:     e.ts(),
		UpdatedAt:     e.ts(),
	}
	if term != nil {
		p.Termination = *term
	}
	if err := e.Blob.Put(p.SpecPath, specBytes); err != nil {
		return domain.Project{}, fmt.Errorf("store spec: %w", err)
	}
	if err := e.Blob.Put(p.ScorecardPath, cardBytes); err != nil {
		return domain.Project{}, fmt.Errorf("store scorecard: %w", err)
	}
	if err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "project.created", id, "project", id, events.EventPayload{
			"termination_conditions": p.Termination,
		})
	}); err != nil {
		return domain.Project{}, err
	}

	err = e.boxes.do(id, func() error {
		fresh, err := e.Repo.GetProject(ctx, id)
		if err != nil {
			return err
		}
		return e.beginWave(ctx, fresh)
	})
	if err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProject(ctx, id)
}

// Status is the project row plus derived artifact and job tallies.
type Status struct {
	Project   domain.Project `json:"project"`
	Artifacts map[string]int `json:"artifacts"`
	Jobs      map[string]int `json:"jobs"`
}

func (e *Engine) GetStatus(ctx context.Context, projectID string) (Status, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return Status{}, err
	}
	artifacts, err := e.Repo.CountArtifactsByStatus(ctx, projectID)
	if err != nil {
		return Status{}, err
	}
	jobs, err := e.Repo.CountJobsByStatus(ctx, projectID)
	if err != nil {
		return Status{}, err
	}
	return Status{Project: p, Artifacts: artifacts, Jobs: jobs}, nil
}

// Approve resumes a project parked in AWAITING_APPROVAL: the proposed
// learnings become active, optional human guidance is attached, and the
// remaining termination conditions decide whether another wave runs.
func (e *Engine) Approve(ctx context.Context, projectID, guidancePath string) error {
	return e.boxes.do(projectID, func() error {
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if p.Status != domain.StatusAwaitingApproval {
			return fmt.Errorf("%w: project is %s, approval requires %s", ErrConflict, p.Status, domain.StatusAwaitingApproval)
		}
		if guidancePath != "" {
			ok, err := e.Blob.Exists(guidancePath)
			if err != nil {
				return fmt.Errorf("%w: human_guidance_r2_path is not readable: %v", ErrInvalid, err)
			}
			if !ok {
				return fmt.Errorf("%w: human_guidance_r2_path does not exist", ErrInvalid)
			}
			p.HumanGuidancePath = guidancePath
		}
		if p.ProposedLearnings != nil {
			p.LatestLearnings = p.ProposedLearnings.AnalysisSummary
			p.ProposedLearnings = nil
		}
		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			p.UpdatedAt = e.ts()
			if err := e.Repo.UpdateProject(ctx, tx, p); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "project.approved", p.ID, "project", p.ID, events.EventPayload{
				"wave":           p.CurrentWave,
				"human_guidance": guidancePath,
			})
		}); err != nil {
			return err
		}
		return e.settleWave(ctx, p, false)
	})
}

// Rehydrate re-arms timers for every pending job and nudges projects that
// crashed between a reconciliation and its follow-up transition. Called once
// at boot, before the HTTP listener accepts callbacks.
func (e *Engine) Rehydrate(ctx context.Context) error {
	projects, err := e.Repo.ListActiveProjects(ctx)
	if err != nil {
		return err
	}
	now := e.now()
	for _, p := range projects {
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: p.ID, Status: domain.JobPending})
		if err != nil {
			return err
		}
		for _, j := range jobs {
			deadline, err := time.Parse(time.RFC3339, j.DeadlineAt)
			if err != nil {
				deadline = now
			}
			d := deadline.Sub(now)
			if d < 0 {
				d = 0
			}
			e.armTimer(p.ID, j.ID, d)
		}
		if len(jobs) == 0 {
			// Crash window: the last reconciliation committed but its follow-up
			// (analysis dispatch or next wave) never ran.
			p := p
			go func() {
				if err := e.boxes.do(p.ID, func() error { return e.resume(ctx, p.ID) }); err != nil {
					log.Printf("orchestrator: resume %s: %v", p.ID, err)
				}
			}()
		}
	}
	return nil
}

func (e *Engine) resume(ctx context.Context, projectID string) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	switch p.Status {
	case domain.StatusGenerating:
		return e.checkWaveComplete(ctx, p)
	case domain.StatusAnalyzing:
		// The analysis report committed but the wave never settled, so the
		// termination conditions still get their say before any next wave.
		return e.settleWave(ctx, p, p.Termination.ManualApproval)
	}
	return nil
}

// RunSweeper periodically scans pending jobs for missed deadlines. It backs
// up the in-memory timers, which do not survive a restart race.
func (e *Engine) RunSweeper(ctx context.Context) {
	interval := time.Duration(e.Config.Waves.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	projects, err := e.Repo.ListActiveProjects(ctx)
	if err != nil {
		log.Printf("orchestrator: sweep list projects: %v", err)
		return
	}
	now := e.now()
	for _, p := range projects {
		jobs, err := e.Repo.ListJobs(ctx, repo.JobFilters{ProjectID: p.ID, Status: domain.JobPending})
		if err != nil {
			log.Printf("orchestrator: sweep list jobs: %v", err)
			continue
		}
		for _, j := range jobs {
			deadline, err := time.Parse(time.RFC3339, j.DeadlineAt)
			if err != nil || !deadline.After(now) {
				jobID := j.ID
				projectID := p.ID
				go func() {
					if err := e.OnTimeout(ctx, projectID, jobID); err != nil {
						log.Printf("orchestrator: sweep timeout %s: %v", jobID, err)
					}
				}()
			}
		}
	}
}

type timerSet struct {
	mu sync.Mutex
	m  map[string]*time.Timer
}

func newTimerSet() *timerSet { return &timerSet{m: map[string]*time.Timer{}} }

func (t *timerSet) arm(jobID string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[jobID]; ok {
		old.Stop()
	}
	t.m[jobID] = time.AfterFunc(d, fn)
}

func (t *timerSet) stopTimer(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[jobID]; ok {
		old.Stop()
		delete(t.m, jobID)
	}
}

func (t *timerSet) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.m {
		timer.Stop()
		delete(t.m, id)
	}
}

func (e *Engine) armTimer(projectID, jobID string, d time.Duration) {
	e.timers.arm(jobID, d, func() {
		if err := e.OnTimeout(context.Background(), projectID, jobID); err != nil {
			log.Printf("orchestrator: timeout %s: %v", jobID, err)
		}
	})
}
