package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"refinery/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `project_id,status,current_wave,spec_path,scorecard_path,termination_json,total_tokens,estimated_cost_usd,latest_learnings,quality_history_json,proposed_learnings_json,human_guidance_path,created_at,updated_at`

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	termJSON, err := json.Marshal(p.Termination)
	if err != nil {
		return fmt.Errorf("marshal termination: %w", err)
	}
	histJSON, err := json.Marshal(historyOrEmpty(p.QualityHistory))
	if err != nil {
		return fmt.Errorf("marshal quality history: %w", err)
	}
	proposed, err := marshalProposed(p.ProposedLearnings)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Status, p.CurrentWave, p.SpecPath, p.ScorecardPath, string(termJSON),
		p.Cost.TotalTokens, p.Cost.EstimatedCostUSD, p.LatestLearnings, string(histJSON),
		proposed, nullable(p.HumanGuidancePath), p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProject rewrites every mutable column. The orchestrator holds the full
// state in memory under its mailbox, so a whole-row write keeps the durable
// copy and the in-memory copy trivially identical.
func (r Repo) UpdateProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	termJSON, err := json.Marshal(p.Termination)
	if err != nil {
		return fmt.Errorf("marshal termination: %w", err)
	}
	histJSON, err := json.Marshal(historyOrEmpty(p.QualityHistory))
	if err != nil {
		return fmt.Errorf("marshal quality history: %w", err)
	}
	proposed, err := marshalProposed(p.ProposedLearnings)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, current_wave=?, spec_path=?, scorecard_path=?, termination_json=?, total_tokens=?, estimated_cost_usd=?, latest_learnings=?, quality_history_json=?, proposed_learnings_json=?, human_guidance_path=?, updated_at=? WHERE project_id=?`,
		p.Status, p.CurrentWave, p.SpecPath, p.ScorecardPath, string(termJSON),
		p.Cost.TotalTokens, p.Cost.EstimatedCostUSD, p.LatestLearnings, string(histJSON),
		proposed, nullable(p.HumanGuidancePath), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListActiveProjects returns every non-terminal project, used by rehydration.
func (r Repo) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE status NOT IN (?,?,?)`,
		domain.StatusCompleted, domain.StatusFailed, domain.StatusBudgetExceeded)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

type projectScanner interface {
	Scan(dest ...any) error
}

func scanProject(row *sql.Row) (domain.Project, error) {
	p, err := scanProjectFrom(row)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func scanProjectRows(rows *sql.Rows) (domain.Project, error) {
	return scanProjectFrom(rows)
}

func scanProjectFrom(s projectScanner) (domain.Project, error) {
	var p domain.Project
	var termJSON, histJSON string
	var proposed, guidance sql.NullString
	err := s.Scan(&p.ID, &p.Status, &p.CurrentWave, &p.SpecPath, &p.ScorecardPath, &termJSON,
		&p.Cost.TotalTokens, &p.Cost.EstimatedCostUSD, &p.LatestLearnings, &histJSON,
		&proposed, &guidance, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(termJSON), &p.Termination); err != nil {
		return p, fmt.Errorf("project %s: termination_json: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(histJSON), &p.QualityHistory); err != nil {
		return p, fmt.Errorf("project %s: quality_history_json: %w", p.ID, err)
	}
	if proposed.Valid && proposed.String != "" {
		var pl domain.ProposedLearnings
		if err := json.Unmarshal([]byte(proposed.String), &pl); err != nil {
			return p, fmt.Errorf("project %s: proposed_learnings_json: %w", p.ID, err)
		}
		p.ProposedLearnings = &pl
	}
	if guidance.Valid {
		p.HumanGuidancePath = guidance.String
	}
	return p, nil
}

const artifactColumns = `id,project_id,wave_number,blob_path,status,quality_score,evaluation_details,created_at`

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.WaveNumber, nullableStringPtr(a.BlobPath), a.Status,
		nullableFloatPtr(a.QualityScore), nullableRaw(a.EvaluationDetails), a.CreatedAt)
	return err
}

func (r Repo) UpdateArtifactStatus(ctx context.Context, tx *sql.Tx, projectID, id, status string, blobPath *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET status=?, blob_path=? WHERE project_id=? AND id=?`,
		status, nullableStringPtr(blobPath), projectID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateArtifactScore(ctx context.Context, tx *sql.Tx, projectID, id string, score float64, details json.RawMessage) error {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET quality_score=?, evaluation_details=? WHERE project_id=? AND id=?`,
		score, nullableRaw(details), projectID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetArtifact(ctx context.Context, projectID, id string) (domain.Artifact, error) {
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND id=?`, projectID, id))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

type ArtifactFilters struct {
	ProjectID  string
	WaveNumber int
	Status     string
}

func (r Repo) ListArtifacts(ctx context.Context, f ArtifactFilters) ([]domain.Artifact, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.WaveNumber > 0 {
		clauses = append(clauses, "wave_number=?")
		args = append(args, f.WaveNumber)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifactRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountViableArtifacts counts artifacts at or above the viability threshold
// across all waves of the project.
func (r Repo) CountViableArtifacts(ctx context.Context, projectID string, threshold float64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM artifacts WHERE project_id=? AND quality_score >= ?`, projectID, threshold).Scan(&n)
	return n, err
}

func (r Repo) CountArtifactsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM artifacts WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

type artifactScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row *sql.Row) (domain.Artifact, error) {
	return scanArtifactFrom(row)
}

func scanArtifactRows(rows *sql.Rows) (domain.Artifact, error) {
	return scanArtifactFrom(rows)
}

func scanArtifactFrom(s artifactScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var blobPath, details sql.NullString
	var score sql.NullFloat64
	err := s.Scan(&a.ID, &a.ProjectID, &a.WaveNumber, &blobPath, &a.Status, &score, &details, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if blobPath.Valid {
		a.BlobPath = &blobPath.String
	}
	if score.Valid {
		a.QualityScore = &score.Float64
	}
	if details.Valid {
		a.EvaluationDetails = json.RawMessage(details.String)
	}
	return a, nil
}

const jobColumns = `job_id,project_id,artifact_id,kind,status,retries,created_at,deadline_at`

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispatched_jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		j.ID, j.ProjectID, nullable(j.ArtifactID), j.Kind, j.Status, j.Retries, j.CreatedAt, j.DeadlineAt)
	return err
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	res, err := tx.ExecContext(ctx, `UPDATE dispatched_jobs SET status=?, retries=?, deadline_at=? WHERE job_id=?`,
		j.Status, j.Retries, j.DeadlineAt, j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := scanJobFrom(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM dispatched_jobs WHERE job_id=?`, jobID))
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

// GetJobByArtifact returns the most recently created job for an artifact.
// Retries reuse the job row, so there is at most one per artifact per kind.
func (r Repo) GetJobByArtifact(ctx context.Context, projectID, artifactID, kind string) (domain.Job, error) {
	j, err := scanJobFrom(r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM dispatched_jobs WHERE project_id=? AND artifact_id=? AND kind=? ORDER BY created_at DESC LIMIT 1`,
		projectID, artifactID, kind))
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	return j, err
}

type JobFilters struct {
	ProjectID string
	Kind      string
	Status    string
}

func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM dispatched_jobs `+where+` ORDER BY created_at ASC, job_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJobFrom(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) CountJobsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM dispatched_jobs WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func scanJobFrom(s artifactScanner) (domain.Job, error) {
	var j domain.Job
	var artifactID sql.NullString
	err := s.Scan(&j.ID, &j.ProjectID, &artifactID, &j.Kind, &j.Status, &j.Retries, &j.CreatedAt, &j.DeadlineAt)
	if err != nil {
		return j, err
	}
	if artifactID.Valid {
		j.ArtifactID = artifactID.String
	}
	return j, nil
}

// LatestEventsFrom pages the audit log backwards from a cursor.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,project_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projID, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		if projID.Valid {
			e.ProjectID = projID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func historyOrEmpty(h []float64) []float64 {
	if h == nil {
		return []float64{}
	}
	return h
}

func marshalProposed(p *domain.ProposedLearnings) (any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal proposed learnings: %w", err)
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableRaw(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
