package file

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func TestFileCronStoreRoundTripsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cron.json")
	s1, err := NewFileCronStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	job, err := s1.CreateJob(store.CronJob{
		Name: "j1", Schedule: "* * * * *", AgentID: "a1", SessionKey: "agent:a1:main", Prompt: "p",
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	s2, err := NewFileCronStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, ok := s2.GetJob(job.ID)
	if !ok {
		t.Fatal("job not found after reopen")
	}
	if got.Name != "j1" || got.AgentID != "a1" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestFileCronStoreListDueFiltersByEnabledAndTime(t *testing.T) {
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	due, _ := s.CreateJob(store.CronJob{
		Name: "due", Enabled: true, Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p", NextRunAtMS: 100,
	})
	_, _ = s.CreateJob(store.CronJob{
		Name: "future", Enabled: true, Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p", NextRunAtMS: 9999,
	})
	_, _ = s.CreateJob(store.CronJob{
		Name: "disabled", Enabled: false, Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p", NextRunAtMS: 50,
	})

	result := s.ListDue(200)
	if len(result) != 1 || result[0].ID != due.ID {
		t.Fatalf("expected only the enabled past-due job, got %+v", result)
	}
}

func TestFileCronStoreDeleteJobCascadesRuns(t *testing.T) {
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	job, _ := s.CreateJob(store.CronJob{Name: "j", Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p"})
	run, err := s.CreateRun(store.CronRun{JobID: job.ID, Status: store.RunPending, StartedAtMS: 1})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := s.DeleteJob(job.ID); err != nil {
		t.Fatalf("delete job: %v", err)
	}
	if _, ok := s.GetRun(run.ID); ok {
		t.Fatal("expected run to be cascade-deleted with its job")
	}
}

func TestFileCronStoreListRunsFiltersAndLimits(t *testing.T) {
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	job, _ := s.CreateJob(store.CronJob{Name: "j", Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p"})

	for i := 0; i < 5; i++ {
		status := store.RunCompleted
		if i%2 == 0 {
			status = store.RunFailed
		}
		if _, err := s.CreateRun(store.CronRun{
			JobID: job.ID, Status: status, StartedAtMS: int64(i * 1000),
		}); err != nil {
			t.Fatalf("create run %d: %v", i, err)
		}
	}

	failed := s.ListRuns(job.ID, store.CronRunListOpts{Status: store.RunFailed})
	if len(failed) != 3 {
		t.Fatalf("expected 3 failed runs, got %d", len(failed))
	}

	limited := s.ListRuns(job.ID, store.CronRunListOpts{Limit: 2})
	if len(limited) != 2 {
		t.Fatalf("expected limit applied, got %d", len(limited))
	}
	// Sorted by StartedAtMS desc: the most recent two are index 4 and 3.
	if limited[0].StartedAtMS < limited[1].StartedAtMS {
		t.Fatalf("expected descending order, got %+v", limited)
	}
}

func TestFileCronStoreCleanupOldRunsKeepsMostRecentPerJob(t *testing.T) {
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	job, _ := s.CreateJob(store.CronJob{Name: "j", Schedule: "* * * * *", AgentID: "a", SessionKey: "k", Prompt: "p"})

	var ids []string
	for i := 0; i < 5; i++ {
		run, err := s.CreateRun(store.CronRun{JobID: job.ID, Status: store.RunCompleted, StartedAtMS: int64(i * 1000)})
		if err != nil {
			t.Fatalf("create run: %v", err)
		}
		ids = append(ids, run.ID)
	}

	if err := s.CleanupOldRuns(2); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	remaining := s.ListAllRuns(store.CronRunListOpts{})
	if len(remaining) != 2 {
		t.Fatalf("expected 2 runs kept, got %d", len(remaining))
	}
	if remaining[0].StartedAtMS != 4000 || remaining[1].StartedAtMS != 3000 {
		t.Fatalf("expected the two most recent runs kept, got %+v", remaining)
	}
}

func TestFileCronStoreUpdateJobNotFound(t *testing.T) {
	s, err := NewFileCronStore(filepath.Join(t.TempDir(), "cron.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.UpdateJob("missing", func(*store.CronJob) {}); err == nil {
		t.Fatal("expected error for unknown job id")
	}
}
