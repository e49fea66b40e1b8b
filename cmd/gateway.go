package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/goclaw/internal/channels/feishu"
	"github.com/nextlevelbuilder/goclaw/internal/channels/telegram"
	"github.com/nextlevelbuilder/goclaw/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/goclaw/internal/channels/zalo"
	zalopersonal "github.com/nextlevelbuilder/goclaw/internal/channels/zalo/personal"
	"github.com/nextlevelbuilder/goclaw/internal/clock"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/cron"
	"github.com/nextlevelbuilder/goclaw/internal/dedupe"
	"github.com/nextlevelbuilder/goclaw/internal/gateway"
	"github.com/nextlevelbuilder/goclaw/internal/heartbeat"
	"github.com/nextlevelbuilder/goclaw/internal/ingest"
	"github.com/nextlevelbuilder/goclaw/internal/router"
	"github.com/nextlevelbuilder/goclaw/internal/runsub"
	"github.com/nextlevelbuilder/goclaw/internal/sessionkey"
	"github.com/nextlevelbuilder/goclaw/internal/store"
	"github.com/nextlevelbuilder/goclaw/internal/store/file"
	"github.com/nextlevelbuilder/goclaw/internal/store/pg"
)

// openStores picks the file or Postgres backend per cfg.Database.Mode and
// opens the matching AgentStore alongside it, since AgentStore isn't part
// of store.Stores (only channels with group-file-writer commands need it).
func openStores(cfg *config.Config) (*store.Stores, store.AgentStore, error) {
	if cfg.IsManagedMode() {
		scfg := store.StoreConfig{Backend: "postgres", PostgresDSN: cfg.Database.PostgresDSN}
		stores, err := pg.NewPGStores(scfg)
		if err != nil {
			return nil, nil, err
		}
		db, err := pg.OpenDB(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return stores, pg.NewPGAgentStore(db), nil
	}

	dir := cfg.Sessions.Storage
	if dir == "" {
		dir = "."
	}
	stores, err := file.NewFileStores(store.StoreConfig{Backend: "file", DataDir: dir})
	if err != nil {
		return nil, nil, err
	}
	return stores, file.NewFileAgentStore(), nil
}

// runExecutor adapts *runsub.Submitter to both cron.Executor/heartbeat.Executor
// (identical Submit signature, satisfied directly) and ingest.Executor,
// while recording the session -> run id mapping the ingest Transport needs
// to resolve a "/cancel" into a concrete run to abort.
type runExecutor struct {
	sub *runsub.Submitter

	mu   sync.Mutex
	runs map[string]string // session key -> last dispatched run id
}

func newRunExecutor(sub *runsub.Submitter) *runExecutor {
	return &runExecutor{sub: sub, runs: make(map[string]string)}
}

func (e *runExecutor) Submit(ctx context.Context, job runsub.Job) (runsub.Result, error) {
	e.mu.Lock()
	e.runs[job.SessionKey] = job.RunID
	e.mu.Unlock()
	return e.sub.Submit(ctx, job)
}

func (e *runExecutor) runFor(sessionKey string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.runs[sessionKey]
	return id, ok
}

// busTransport implements ingest.Transport over the message bus: replies
// become outbound messages for channels.Manager's dispatch loop, aborts
// are forwarded to the run router; a queue-mode change is only logged and
// does not alter how later jobs are queued.
type busTransport struct {
	msgBus *bus.MessageBus
	rtr    runsub.Router
	exec   *runExecutor
}

func (t *busTransport) Reply(ctx context.Context, ev ingest.Event, text string) error {
	channelName, _ := ev.Meta["channel"].(string)
	if channelName == "" {
		return fmt.Errorf("ingest reply: event carries no channel")
	}
	t.msgBus.PublishOutbound(bus.OutboundMessage{
		Channel: channelName,
		ChatID:  ev.PeerID,
		Content: text,
	})
	return nil
}

func (t *busTransport) Abort(ctx context.Context, sessionKey string) error {
	runID, ok := t.exec.runFor(sessionKey)
	if !ok {
		return nil
	}
	return t.rtr.Abort(ctx, runID)
}

func (t *busTransport) SetQueueMode(sessionKey string, mode runsub.QueueMode) {
	slog.Debug("ingest: queue mode change", "session", sessionKey, "mode", mode)
}

// consumeInbound drains the bus's inbound queue into the ingest pipeline
// until ctx is cancelled, translating each transport's bus.InboundMessage
// into the sessionkey-addressed ingest.Event the pipeline expects.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, pipeline *ingest.Pipeline) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		peerKind := msg.PeerKind
		if peerKind == "" {
			peerKind = "direct"
		}
		key := sessionkey.NewChannelPeer(msg.AgentID, msg.Channel, "default", peerKind, msg.ChatID)
		meta := map[string]any{"channel": msg.Channel}
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		pipeline.HandleEvent(ctx, ingest.Event{
			PeerID:     msg.ChatID,
			ThreadID:   msg.ChatID,
			MessageID:  clock.NewID("msg"),
			Text:       msg.Content,
			HasMedia:   len(msg.Media) > 0,
			AgentID:    msg.AgentID,
			SessionKey: key.String(),
			Meta:       meta,
		})
	}
}

// registerChannels constructs every enabled channel from cfg and registers
// it with mgr. A channel constructor error is logged and skipped rather
// than aborting startup, so one misconfigured transport doesn't take the
// whole gateway down.
func registerChannels(cfg *config.Config, msgBus *bus.MessageBus, pairing store.PairingStore, agents store.AgentStore, mgr *channels.Manager) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, pairing, agents)
		if err != nil {
			slog.Error("telegram channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, pairing)
		if err != nil {
			slog.Error("discord channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
	if cfg.Channels.WhatsApp.Enabled {
		if cfg.Channels.WhatsApp.Mode == "native" {
			ch, err := whatsapp.NewNative(cfg.Channels.WhatsApp, msgBus, pairing)
			if err != nil {
				slog.Error("whatsapp channel disabled", "error", err)
			} else {
				mgr.RegisterChannel("whatsapp", ch)
			}
		} else if ch, err := whatsapp.New(cfg.Channels.WhatsApp, msgBus, pairing); err != nil {
			slog.Error("whatsapp channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("whatsapp", ch)
		}
	}
	if cfg.Channels.Zalo.Enabled {
		ch, err := zalo.New(cfg.Channels.Zalo, msgBus, pairing)
		if err != nil {
			slog.Error("zalo channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("zalo", ch)
		}
	}
	if cfg.Channels.ZaloPersonal.Enabled {
		ch, err := zalopersonal.New(cfg.Channels.ZaloPersonal, msgBus, pairing)
		if err != nil {
			slog.Error("zalo_personal channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("zalo_personal", ch)
		}
	}
	if cfg.Channels.Feishu.Enabled {
		ch, err := feishu.New(cfg.Channels.Feishu, msgBus, pairing)
		if err != nil {
			slog.Error("feishu channel disabled", "error", err)
		} else {
			mgr.RegisterChannel("feishu", ch)
		}
	}
}

// runGateway wires the full automation fabric together and blocks until
// SIGINT/SIGTERM: config, stores, bus, cron/heartbeat managers, the
// transport ingest pipeline, channels, and the control-plane WebSocket
// server.
func runGateway() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	if cfg.IsManagedMode() {
		if err := checkSchemaOrAutoUpgrade(cfg.Database.PostgresDSN); err != nil {
			slog.Error("schema check failed", "error", err)
			os.Exit(1)
		}
	}

	stores, agentStore, err := openStores(cfg)
	if err != nil {
		slog.Error("open stores", "error", err)
		os.Exit(1)
	}

	msgBus := bus.New()
	rtr := &router.Unconfigured{Bus: msgBus}
	submitter := runsub.NewSubmitter(msgBus, rtr)
	executor := newRunExecutor(submitter)

	var cronOpts []cron.Option
	if cfg.Cron.TickIntervalSec > 0 {
		cronOpts = append(cronOpts, cron.WithTickInterval(time.Duration(cfg.Cron.TickIntervalSec)*time.Second))
	}
	if cfg.Cron.HistoryKeep > 0 {
		cronOpts = append(cronOpts, cron.WithHistoryKeep(cfg.Cron.HistoryKeep))
	}
	if !cfg.IsManagedMode() {
		if fileCron, ok := stores.Cron.(*file.FileCronStore); ok {
			watchCtx, watchCancel := context.WithCancel(context.Background())
			defer watchCancel()
			go func() {
				if err := fileCron.WatchForChanges(watchCtx); err != nil {
					slog.Warn("cron file store watch stopped", "error", err)
				}
			}()
		}
	}

	cronMgr := cron.NewManager(stores.Cron, msgBus, executor, cronOpts...)
	heartbeatMgr := heartbeat.New(stores.Heartbeat, stores.Cron, cronMgr, msgBus, executor, stores.Sessions)

	chanMgr := channels.NewManager(msgBus)
	registerChannels(cfg, msgBus, stores.Pairing, agentStore, chanMgr)

	seen := dedupe.NewTTLTable(2 * time.Minute)
	transport := &busTransport{msgBus: msgBus, rtr: rtr, exec: executor}
	pipeline := ingest.New(transport, executor, seen, ingest.Config{})

	srv := gateway.NewServer(cfg, msgBus, stores.Tokens)
	gateway.NewChatMethods(submitter, rtr, stores.Sessions, srv.Bridge()).Register(srv.Router())
	gateway.NewCronMethods(cronMgr).Register(srv.Router())
	gateway.NewHeartbeatMethods(heartbeatMgr).Register(srv.Router())
	gateway.NewSessionMethods(stores.Sessions).Register(srv.Router())
	gateway.NewApprovalMethods(msgBus).Register(srv.Router())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cronMgr.Start(ctx); err != nil {
		slog.Error("cron manager start", "error", err)
		os.Exit(1)
	}
	heartbeatMgr.Start(ctx)
	if err := chanMgr.StartAll(ctx); err != nil {
		slog.Error("channel manager start", "error", err)
	}
	go consumeInbound(ctx, msgBus, pipeline)

	slog.Info("goclaw gateway starting", "host", cfg.Gateway.Host, "port", cfg.Gateway.Port)
	if err := srv.Start(ctx); err != nil {
		slog.Error("gateway server stopped", "error", err)
	}

	cronMgr.Stop()
	_ = chanMgr.StopAll(context.Background())
	slog.Info("goclaw gateway stopped")
}
