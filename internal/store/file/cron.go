package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FileCronStore persists cron jobs and run history to a single JSON
// document, written atomically (temp file + rename) the same way
// sessions.Manager persists session files.
type FileCronStore struct {
	mu   sync.RWMutex
	path string
	jobs map[string]store.CronJob
	runs map[string]store.CronRun // run id -> run
}

type cronFileFormat struct {
	Version int                      `json:"version"`
	Jobs    map[string]store.CronJob `json:"jobs"`
	Runs    map[string]store.CronRun `json:"runs"`
}

// NewFileCronStore loads (or creates) the cron store file at path.
func NewFileCronStore(path string) (*FileCronStore, error) {
	s := &FileCronStore{
		path: path,
		jobs: make(map[string]store.CronJob),
		runs: make(map[string]store.CronRun),
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load cron store: %w", err)
	}
	return s, nil
}

func (s *FileCronStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var doc cronFileFormat
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}
	if doc.Jobs != nil {
		s.jobs = doc.Jobs
	}
	if doc.Runs != nil {
		s.runs = doc.Runs
	}
	return nil
}

// save writes the store atomically: write to a temp file in the same
// directory, fsync, then rename over the target.
func (s *FileCronStore) save() error {
	doc := cronFileFormat{Version: 2, Jobs: s.jobs, Runs: s.runs}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".cron-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// WatchForChanges watches the store file for external edits (e.g. an
// operator hand-editing cron_jobs.json, or a second gateway process
// sharing the same file store since the file backend has no
// cross-process locking the way the Postgres backend does) and reloads
// in-memory state on write events. It blocks until ctx is cancelled;
// callers run it in a background goroutine. fsnotify failures are logged
// and treated as fatal to the watch loop, not to the store itself — the
// store keeps serving its last-loaded state.
func (s *FileCronStore) WatchForChanges(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cron file watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("cron file watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.mu.Lock()
			err := s.load()
			s.mu.Unlock()
			if err != nil {
				slog.Warn("cron file store: reload after external change failed", "error", err)
			} else {
				slog.Info("cron file store: reloaded after external change")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("cron file store: watch error", "error", err)
		}
	}
}

func (s *FileCronStore) ListJobs() []store.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAtMS > out[k].CreatedAtMS })
	return out
}

func (s *FileCronStore) ListEnabled() []store.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CronJob
	for _, j := range s.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

func (s *FileCronStore) ListDue(nowMS int64) []store.CronJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CronJob
	for _, j := range s.jobs {
		if j.Enabled && j.NextRunAtMS != 0 && j.NextRunAtMS <= nowMS {
			out = append(out, j)
		}
	}
	return out
}

func (s *FileCronStore) GetJob(id string) (store.CronJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *FileCronStore) CreateJob(job store.CronJob) (store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := clock.Real{}.NowMS()
	if job.ID == "" {
		job.ID = clock.NewID("cron")
	}
	job.CreatedAtMS = now
	job.UpdatedAtMS = now
	s.jobs[job.ID] = job
	return job, s.save()
}

func (s *FileCronStore) UpdateJob(id string, fn func(*store.CronJob)) (store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return store.CronJob{}, fmt.Errorf("cron job %s not found", id)
	}
	fn(&job)
	job.UpdatedAtMS = clock.Real{}.NowMS()
	s.jobs[id] = job
	return job, s.save()
}

func (s *FileCronStore) DeleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for rid, r := range s.runs {
		if r.JobID == id {
			delete(s.runs, rid)
		}
	}
	return s.save()
}

func (s *FileCronStore) CreateRun(run store.CronRun) (store.CronRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.ID == "" {
		run.ID = clock.NewID("run")
	}
	s.runs[run.ID] = run
	return run, s.save()
}

func (s *FileCronStore) UpdateRun(run store.CronRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("cron run %s not found", run.ID)
	}
	s.runs[run.ID] = run
	if j, ok := s.jobs[run.JobID]; ok && run.Status.Terminal() {
		j.LastRunAtMS = run.StartedAtMS
		s.jobs[run.JobID] = j
	}
	return s.save()
}

func (s *FileCronStore) GetRun(id string) (store.CronRun, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *FileCronStore) ActiveRuns(jobID string) []store.CronRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CronRun
	for _, r := range s.runs {
		if r.JobID == jobID && r.Status.Active() {
			out = append(out, r)
		}
	}
	return out
}

func (s *FileCronStore) ListRuns(jobID string, opts store.CronRunListOpts) []store.CronRun {
	opts.JobID = jobID
	return s.listRuns(opts)
}

func (s *FileCronStore) ListAllRuns(opts store.CronRunListOpts) []store.CronRun {
	return s.listRuns(opts)
}

func (s *FileCronStore) listRuns(opts store.CronRunListOpts) []store.CronRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var src []store.CronRun
	for _, r := range s.runs {
		if opts.JobID != "" && r.JobID != opts.JobID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		if opts.SinceMS != 0 && r.StartedAtMS < opts.SinceMS {
			continue
		}
		src = append(src, r)
	}
	sort.Slice(src, func(i, k int) bool { return src[i].StartedAtMS > src[k].StartedAtMS })
	if opts.Limit > 0 && len(src) > opts.Limit {
		src = src[:opts.Limit]
	}
	return src
}

func (s *FileCronStore) CleanupOldRuns(keepPerJob int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepPerJob <= 0 {
		return nil
	}

	byJob := make(map[string][]store.CronRun)
	for _, r := range s.runs {
		byJob[r.JobID] = append(byJob[r.JobID], r)
	}
	for jobID, rs := range byJob {
		if len(rs) <= keepPerJob {
			continue
		}
		sort.Slice(rs, func(i, k int) bool { return rs[i].StartedAtMS > rs[k].StartedAtMS })
		for _, r := range rs[keepPerJob:] {
			delete(s.runs, r.ID)
		}
		_ = jobID
	}
	return s.save()
}

var _ store.CronStore = (*FileCronStore)(nil)
