package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

func TestFileHeartbeatStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb.json")
	s1, err := NewFileHeartbeatStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s1.SetConfig(store.HeartbeatConfig{AgentID: "a1", Enabled: true, IntervalMS: 60000, Prompt: "HB"}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := s1.SetLast(store.HeartbeatLast{AgentID: "a1", Status: "ok", Suppressed: true}); err != nil {
		t.Fatalf("set last: %v", err)
	}

	s2, err := NewFileHeartbeatStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	cfg, ok := s2.GetConfig("a1")
	if !ok || cfg.IntervalMS != 60000 {
		t.Fatalf("config not round-tripped: %+v (ok=%v)", cfg, ok)
	}
	last, ok := s2.GetLast("a1")
	if !ok || !last.Suppressed {
		t.Fatalf("last not round-tripped: %+v (ok=%v)", last, ok)
	}
}

func TestFileHeartbeatStoreDeleteConfig(t *testing.T) {
	s, err := NewFileHeartbeatStore(filepath.Join(t.TempDir(), "hb.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.SetConfig(store.HeartbeatConfig{AgentID: "a1", Enabled: true}); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := s.DeleteConfig("a1"); err != nil {
		t.Fatalf("delete config: %v", err)
	}
	if _, ok := s.GetConfig("a1"); ok {
		t.Fatal("expected config to be gone after delete")
	}
}

func TestFileHeartbeatStoreLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hb_legacy.json")
	legacy := map[string]store.HeartbeatLast{
		"a1": {AgentID: "a1", Status: "alert", Response: "oops"},
	}
	data, err := json.Marshal(legacy)
	if err != nil {
		t.Fatalf("marshal legacy: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write legacy file: %v", err)
	}

	s, err := NewFileHeartbeatStore(path)
	if err != nil {
		t.Fatalf("load legacy: %v", err)
	}
	last, ok := s.GetLast("a1")
	if !ok || last.Status != "alert" {
		t.Fatalf("expected legacy last loaded, got %+v (ok=%v)", last, ok)
	}
}

func TestFileHeartbeatStoreListConfigs(t *testing.T) {
	s, err := NewFileHeartbeatStore(filepath.Join(t.TempDir(), "hb.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_ = s.SetConfig(store.HeartbeatConfig{AgentID: "a1", Enabled: true})
	_ = s.SetConfig(store.HeartbeatConfig{AgentID: "a2", Enabled: false})

	configs := s.ListConfigs()
	if len(configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(configs))
	}
}
