package gateway

import (
	"context"

	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// CronMethods registers the cron CRUD method family spec.md §6 requires:
// cron.list/create/update/delete/toggle/status/run/runs. Grounded on the
// teacher's *XxxMethods{...}.Register(router) idiom (internal/gateway/
// methods/teams.go et al.), adapted from managed-mode CRUD onto
// cron.Manager.
type CronMethods struct {
	mgr *cron.Manager
}

func NewCronMethods(mgr *cron.Manager) *CronMethods { return &CronMethods{mgr: mgr} }

func (m *CronMethods) Register(router *MethodRouter) {
	readWrite := NewScopeSet(ScopeRead, ScopeWrite, ScopeAdmin)
	writeOnly := NewScopeSet(ScopeWrite, ScopeAdmin)

	addSchema := ParamSchema{
		Required: map[string]FieldType{
			"name": TString, "schedule": TString, "agent_id": TString,
			"session_key": TString, "prompt": TString,
		},
		Optional: map[string]FieldType{
			"timezone": TString, "jitter_sec": TInteger, "timeout_ms": TInteger, "meta": TMapping,
		},
	}
	updateSchema := ParamSchema{
		Required: map[string]FieldType{"job_id": TString},
		Optional: map[string]FieldType{
			"name": TString, "schedule": TString, "enabled": TBoolean, "prompt": TString,
			"timezone": TString, "jitter_sec": TInteger, "timeout_ms": TInteger, "meta": TMapping,
			"agent_id": TString, "session_key": TString,
		},
	}
	jobIDSchema := ParamSchema{Required: map[string]FieldType{"job_id": TString}}
	toggleSchema := ParamSchema{Required: map[string]FieldType{"job_id": TString, "enabled": TBoolean}}
	runsSchema := ParamSchema{
		Required: map[string]FieldType{"job_id": TString},
		Optional: map[string]FieldType{"limit": TInteger, "status": TString, "since_ms": TInteger},
	}
	statusSchema := ParamSchema{Optional: map[string]FieldType{"job_id": TString}}

	router.Register(&Method{Name: protocol.MethodCronList, Scopes: readWrite, Handler: m.handleList})
	router.Register(&Method{Name: protocol.MethodCronCreate, Scopes: writeOnly, Schema: addSchema, Handler: m.handleAdd})
	router.Register(&Method{Name: protocol.MethodCronUpdate, Scopes: writeOnly, Schema: updateSchema, Handler: m.handleUpdate})
	router.Register(&Method{Name: protocol.MethodCronDelete, Scopes: writeOnly, Schema: jobIDSchema, Handler: m.handleRemove})
	router.Register(&Method{Name: protocol.MethodCronToggle, Scopes: writeOnly, Schema: toggleSchema, Handler: m.handleToggle})
	router.Register(&Method{Name: protocol.MethodCronRun, Scopes: writeOnly, Schema: jobIDSchema, Handler: m.handleRun})
	router.Register(&Method{Name: protocol.MethodCronRuns, Scopes: readWrite, Schema: runsSchema, Handler: m.handleRuns})
	router.Register(&Method{Name: protocol.MethodCronStatus, Scopes: readWrite, Schema: statusSchema, Handler: m.handleStatus})

	// cron.add/cron.remove are spec.md §6's literal mandatory names for
	// the same create/delete operations; register them as aliases so a
	// client written against either naming works.
	router.Register(&Method{Name: protocol.MethodCronAdd, Scopes: writeOnly, Schema: addSchema, Handler: m.handleAdd})
	router.Register(&Method{Name: protocol.MethodCronRemove, Scopes: writeOnly, Schema: jobIDSchema, Handler: m.handleRemove})
}

func (m *CronMethods) handleList(_ context.Context, _ *Connection, _ map[string]any) (any, *protocol.Error) {
	return map[string]any{"jobs": m.mgr.List()}, nil
}

func paramString(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func paramInt(p map[string]any, key string) (int, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	if f, ok := v.(float64); ok {
		return int(f), true
	}
	return 0, false
}

func paramInt64(p map[string]any, key string) (int64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	if f, ok := v.(float64); ok {
		return int64(f), true
	}
	return 0, false
}

func (m *CronMethods) handleAdd(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	ap := cron.AddParams{
		Name: paramString(p, "name"), Schedule: paramString(p, "schedule"),
		AgentID: paramString(p, "agent_id"), SessionKey: paramString(p, "session_key"),
		Prompt: paramString(p, "prompt"), Timezone: paramString(p, "timezone"),
	}
	if v, ok := paramInt(p, "jitter_sec"); ok {
		ap.JitterSec = v
	}
	if v, ok := paramInt64(p, "timeout_ms"); ok {
		ap.TimeoutMS = v
	}
	if v, ok := p["meta"].(map[string]any); ok {
		ap.Meta = v
	}

	job, err := m.mgr.Add(ap)
	if err != nil {
		return nil, cronErrToProtocol(err)
	}
	return job, nil
}

func (m *CronMethods) handleUpdate(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	jobID := paramString(p, "job_id")
	up := cron.UpdateParams{}
	if v, ok := p["name"].(string); ok {
		up.Name = &v
	}
	if v, ok := p["schedule"].(string); ok {
		up.Schedule = &v
	}
	if v, ok := p["enabled"].(bool); ok {
		up.Enabled = &v
	}
	if v, ok := p["prompt"].(string); ok {
		up.Prompt = &v
	}
	if v, ok := p["timezone"].(string); ok {
		up.Timezone = &v
	}
	if v, ok := paramInt(p, "jitter_sec"); ok {
		up.JitterSec = &v
	}
	if v, ok := paramInt64(p, "timeout_ms"); ok {
		up.TimeoutMS = &v
	}
	if v, ok := p["meta"].(map[string]any); ok {
		up.Meta = v
	}
	if v, ok := p["agent_id"].(string); ok {
		up.AgentID = &v
	}
	if v, ok := p["session_key"].(string); ok {
		up.SessionKey = &v
	}

	job, err := m.mgr.Update(jobID, up)
	if err != nil {
		return nil, cronErrToProtocol(err)
	}
	return job, nil
}

func (m *CronMethods) handleToggle(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	enabled, _ := p["enabled"].(bool)
	job, err := m.mgr.Update(paramString(p, "job_id"), cron.UpdateParams{Enabled: &enabled})
	if err != nil {
		return nil, cronErrToProtocol(err)
	}
	return job, nil
}

func (m *CronMethods) handleRemove(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	if err := m.mgr.Remove(paramString(p, "job_id")); err != nil {
		return nil, cronErrToProtocol(err)
	}
	return map[string]any{"ok": true}, nil
}

func (m *CronMethods) handleRun(ctx context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	run, err := m.mgr.RunNow(ctx, paramString(p, "job_id"))
	if err != nil {
		return nil, cronErrToProtocol(err)
	}
	return run, nil
}

func (m *CronMethods) handleRuns(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	opts := store.CronRunListOpts{}
	if v, ok := paramInt(p, "limit"); ok {
		opts.Limit = v
	}
	if v, ok := p["status"].(string); ok {
		opts.Status = store.RunStatus(v)
	}
	if v, ok := paramInt64(p, "since_ms"); ok {
		opts.SinceMS = v
	}
	runs := m.mgr.Runs(paramString(p, "job_id"), opts)
	return map[string]any{"runs": runs}, nil
}

func (m *CronMethods) handleStatus(_ context.Context, _ *Connection, p map[string]any) (any, *protocol.Error) {
	jobID := paramString(p, "job_id")
	if jobID == "" {
		return map[string]any{"jobs": m.mgr.List()}, nil
	}
	runs := m.mgr.Runs(jobID, store.CronRunListOpts{Limit: 1})
	return map[string]any{"job_id": jobID, "last_run": firstOrNil(runs)}, nil
}

func firstOrNil(runs []store.CronRun) any {
	if len(runs) == 0 {
		return nil
	}
	return runs[0]
}

func cronErrToProtocol(err error) *protocol.Error {
	switch e := err.(type) {
	case *cron.MissingKeysError:
		return &protocol.Error{Code: protocol.ErrMissingKeys, Message: e.Error(), Details: map[string]any{"keys": e.Keys}}
	case *cron.InvalidScheduleError:
		return protocol.NewError(protocol.ErrInvalidSchedule, e.Error())
	case *cron.ImmutableFieldsError:
		return &protocol.Error{Code: protocol.ErrImmutableFields, Message: e.Error(), Details: map[string]any{"fields": e.Fields}}
	default:
		if err == cron.ErrNotFound {
			return protocol.NewError(protocol.ErrNotFound, "cron job not found")
		}
		return protocol.NewError(protocol.ErrInternal, err.Error())
	}
}
