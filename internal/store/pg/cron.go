package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// PGCronStore implements store.CronStore on Postgres via sqlx, using
// struct-scanning (db tags) instead of the manual rows.Scan calls the
// older PG*Store implementations use.
type PGCronStore struct {
	db *sqlx.DB
}

// NewPGCronStore wraps db (already open, from OpenDB) in sqlx and returns
// a CronStore backed by the cron_jobs/cron_runs tables.
func NewPGCronStore(db *sql.DB) *PGCronStore {
	return &PGCronStore{db: OpenSqlx(db)}
}

type cronJobRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Schedule    string `db:"schedule"`
	Enabled     bool   `db:"enabled"`
	AgentID     string `db:"agent_id"`
	SessionKey  string `db:"session_key"`
	Prompt      string `db:"prompt"`
	Timezone    string `db:"timezone"`
	JitterSec   int    `db:"jitter_sec"`
	TimeoutMS   int64  `db:"timeout_ms"`
	CreatedAtMS int64  `db:"created_at_ms"`
	UpdatedAtMS int64  `db:"updated_at_ms"`
	LastRunAtMS int64  `db:"last_run_at_ms"`
	NextRunAtMS int64  `db:"next_run_at_ms"`
	Meta        []byte `db:"meta"`
}

func (r cronJobRow) toJob() store.CronJob {
	j := store.CronJob{
		ID: r.ID, Name: r.Name, Schedule: r.Schedule, Enabled: r.Enabled,
		AgentID: r.AgentID, SessionKey: r.SessionKey, Prompt: r.Prompt,
		Timezone: r.Timezone, JitterSec: r.JitterSec, TimeoutMS: r.TimeoutMS,
		CreatedAtMS: r.CreatedAtMS, UpdatedAtMS: r.UpdatedAtMS,
		LastRunAtMS: r.LastRunAtMS, NextRunAtMS: r.NextRunAtMS,
	}
	if len(r.Meta) > 0 {
		_ = json.Unmarshal(r.Meta, &j.Meta)
	}
	return j
}

func jobToRow(j store.CronJob) cronJobRow {
	metaJSON, _ := json.Marshal(j.Meta)
	return cronJobRow{
		ID: j.ID, Name: j.Name, Schedule: j.Schedule, Enabled: j.Enabled,
		AgentID: j.AgentID, SessionKey: j.SessionKey, Prompt: j.Prompt,
		Timezone: j.Timezone, JitterSec: j.JitterSec, TimeoutMS: j.TimeoutMS,
		CreatedAtMS: j.CreatedAtMS, UpdatedAtMS: j.UpdatedAtMS,
		LastRunAtMS: j.LastRunAtMS, NextRunAtMS: j.NextRunAtMS, Meta: metaJSON,
	}
}

func (s *PGCronStore) ListJobs() []store.CronJob {
	var rows []cronJobRow
	if err := s.db.Select(&rows, `SELECT * FROM cron_jobs ORDER BY created_at_ms DESC`); err != nil {
		return nil
	}
	return rowsToJobs(rows)
}

func (s *PGCronStore) ListEnabled() []store.CronJob {
	var rows []cronJobRow
	if err := s.db.Select(&rows, `SELECT * FROM cron_jobs WHERE enabled = true ORDER BY created_at_ms DESC`); err != nil {
		return nil
	}
	return rowsToJobs(rows)
}

func (s *PGCronStore) ListDue(nowMS int64) []store.CronJob {
	var rows []cronJobRow
	err := s.db.Select(&rows, `
		SELECT * FROM cron_jobs
		WHERE enabled = true AND next_run_at_ms <> 0 AND next_run_at_ms <= $1
	`, nowMS)
	if err != nil {
		return nil
	}
	return rowsToJobs(rows)
}

func rowsToJobs(rows []cronJobRow) []store.CronJob {
	out := make([]store.CronJob, len(rows))
	for i, r := range rows {
		out[i] = r.toJob()
	}
	return out
}

func (s *PGCronStore) GetJob(id string) (store.CronJob, bool) {
	var row cronJobRow
	if err := s.db.Get(&row, `SELECT * FROM cron_jobs WHERE id = $1`, id); err != nil {
		return store.CronJob{}, false
	}
	return row.toJob(), true
}

func (s *PGCronStore) CreateJob(job store.CronJob) (store.CronJob, error) {
	now := clock.Real{}.NowMS()
	if job.ID == "" {
		job.ID = clock.NewID("cron")
	}
	job.CreatedAtMS = now
	job.UpdatedAtMS = now
	row := jobToRow(job)

	_, err := s.db.NamedExec(`
		INSERT INTO cron_jobs (id, name, schedule, enabled, agent_id, session_key, prompt,
			timezone, jitter_sec, timeout_ms, created_at_ms, updated_at_ms, next_run_at_ms, meta)
		VALUES (:id, :name, :schedule, :enabled, :agent_id, :session_key, :prompt,
			:timezone, :jitter_sec, :timeout_ms, :created_at_ms, :updated_at_ms, :next_run_at_ms, :meta)
	`, row)
	if err != nil {
		return store.CronJob{}, fmt.Errorf("insert cron job: %w", err)
	}
	return job, nil
}

func (s *PGCronStore) UpdateJob(id string, fn func(*store.CronJob)) (store.CronJob, error) {
	job, ok := s.GetJob(id)
	if !ok {
		return store.CronJob{}, fmt.Errorf("cron job %s not found", id)
	}
	fn(&job)
	job.UpdatedAtMS = clock.Real{}.NowMS()
	row := jobToRow(job)

	_, err := s.db.NamedExec(`
		UPDATE cron_jobs SET name=:name, schedule=:schedule, enabled=:enabled, prompt=:prompt,
			timezone=:timezone, jitter_sec=:jitter_sec, timeout_ms=:timeout_ms,
			updated_at_ms=:updated_at_ms, next_run_at_ms=:next_run_at_ms, last_run_at_ms=:last_run_at_ms,
			meta=:meta
		WHERE id=:id
	`, row)
	if err != nil {
		return store.CronJob{}, fmt.Errorf("update cron job: %w", err)
	}
	return job, nil
}

func (s *PGCronStore) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = $1`, id)
	return err
}

type cronRunRow struct {
	ID            string `db:"id"`
	JobID         string `db:"job_id"`
	RouterRunID   string `db:"router_run_id"`
	Status        string `db:"status"`
	StartedAtMS   int64  `db:"started_at_ms"`
	CompletedAtMS int64  `db:"completed_at_ms"`
	DurationMS    int64  `db:"duration_ms"`
	TriggeredBy   string `db:"triggered_by"`
	Error         string `db:"error"`
	Output        string `db:"output"`
	Suppressed    bool   `db:"suppressed"`
	Meta          []byte `db:"meta"`
}

func (r cronRunRow) toRun() store.CronRun {
	run := store.CronRun{
		ID: r.ID, JobID: r.JobID, RouterRunID: r.RouterRunID, Status: store.RunStatus(r.Status),
		StartedAtMS: r.StartedAtMS, CompletedAtMS: r.CompletedAtMS, DurationMS: r.DurationMS,
		TriggeredBy: store.TriggeredBy(r.TriggeredBy), Error: r.Error, Output: r.Output, Suppressed: r.Suppressed,
	}
	if len(r.Meta) > 0 {
		_ = json.Unmarshal(r.Meta, &run.Meta)
	}
	return run
}

func runToRow(run store.CronRun) cronRunRow {
	metaJSON, _ := json.Marshal(run.Meta)
	return cronRunRow{
		ID: run.ID, JobID: run.JobID, RouterRunID: run.RouterRunID, Status: string(run.Status),
		StartedAtMS: run.StartedAtMS, CompletedAtMS: run.CompletedAtMS, DurationMS: run.DurationMS,
		TriggeredBy: string(run.TriggeredBy), Error: run.Error, Output: run.Output, Suppressed: run.Suppressed,
		Meta: metaJSON,
	}
}

func (s *PGCronStore) CreateRun(run store.CronRun) (store.CronRun, error) {
	if run.ID == "" {
		run.ID = clock.NewID("run")
	}
	row := runToRow(run)
	_, err := s.db.NamedExec(`
		INSERT INTO cron_runs (id, job_id, router_run_id, status, started_at_ms, completed_at_ms,
			duration_ms, triggered_by, error, output, suppressed, meta)
		VALUES (:id, :job_id, :router_run_id, :status, :started_at_ms, :completed_at_ms,
			:duration_ms, :triggered_by, :error, :output, :suppressed, :meta)
	`, row)
	if err != nil {
		return store.CronRun{}, fmt.Errorf("insert cron run: %w", err)
	}
	return run, nil
}

func (s *PGCronStore) UpdateRun(run store.CronRun) error {
	row := runToRow(run)
	_, err := s.db.NamedExec(`
		UPDATE cron_runs SET router_run_id=:router_run_id, status=:status, completed_at_ms=:completed_at_ms,
			duration_ms=:duration_ms, error=:error, output=:output, suppressed=:suppressed, meta=:meta
		WHERE id=:id
	`, row)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		_, err = s.db.Exec(`UPDATE cron_jobs SET last_run_at_ms = $1 WHERE id = $2`, run.StartedAtMS, run.JobID)
	}
	return err
}

func (s *PGCronStore) GetRun(id string) (store.CronRun, bool) {
	var row cronRunRow
	if err := s.db.Get(&row, `SELECT * FROM cron_runs WHERE id = $1`, id); err != nil {
		return store.CronRun{}, false
	}
	return row.toRun(), true
}

func (s *PGCronStore) ActiveRuns(jobID string) []store.CronRun {
	var rows []cronRunRow
	err := s.db.Select(&rows, `SELECT * FROM cron_runs WHERE job_id = $1 AND status IN ('pending','running')`, jobID)
	if err != nil {
		return nil
	}
	return rowsToRuns(rows)
}

func (s *PGCronStore) ListRuns(jobID string, opts store.CronRunListOpts) []store.CronRun {
	opts.JobID = jobID
	return s.listRuns(opts)
}

func (s *PGCronStore) ListAllRuns(opts store.CronRunListOpts) []store.CronRun {
	return s.listRuns(opts)
}

func (s *PGCronStore) listRuns(opts store.CronRunListOpts) []store.CronRun {
	query := `SELECT * FROM cron_runs WHERE 1=1`
	args := map[string]interface{}{}
	if opts.JobID != "" {
		query += ` AND job_id = :job_id`
		args["job_id"] = opts.JobID
	}
	if opts.Status != "" {
		query += ` AND status = :status`
		args["status"] = string(opts.Status)
	}
	if opts.SinceMS != 0 {
		query += ` AND started_at_ms >= :since_ms`
		args["since_ms"] = opts.SinceMS
	}
	query += ` ORDER BY started_at_ms DESC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}

	rows, err := s.db.NamedQuery(query, args)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []cronRunRow
	for rows.Next() {
		var r cronRunRow
		if err := rows.StructScan(&r); err == nil {
			out = append(out, r)
		}
	}
	return rowsToRuns(out)
}

func rowsToRuns(rows []cronRunRow) []store.CronRun {
	out := make([]store.CronRun, len(rows))
	for i, r := range rows {
		out[i] = r.toRun()
	}
	return out
}

func (s *PGCronStore) CleanupOldRuns(keepPerJob int) error {
	if keepPerJob <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM cron_runs
		WHERE id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY job_id ORDER BY started_at_ms DESC) rn
				FROM cron_runs
			) ranked WHERE rn <= $1
		)
	`, keepPerJob)
	return err
}

var _ store.CronStore = (*PGCronStore)(nil)
