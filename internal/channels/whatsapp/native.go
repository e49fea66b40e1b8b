package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver for the device store

	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/config"
	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// slogLogger adapts whatsmeow's waLog.Logger to log/slog, matching how
// every other channel in the fabric logs (Telegram, Discord, Feishu).
type slogLogger struct{ module string }

func (l slogLogger) Errorf(msg string, args ...interface{}) {
	slog.Error(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Warnf(msg string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Infof(msg string, args ...interface{}) {
	slog.Info(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Debugf(msg string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(msg, args...), "module", l.module)
}
func (l slogLogger) Sub(module string) waLog.Logger { return slogLogger{module: module} }

// NativeChannel is a direct multi-device WhatsApp transport built on
// whatsmeow, for deployments that don't want to run the whatsapp-web.js
// bridge process the (bridge-mode) Channel talks to. It speaks the
// WhatsApp protocol itself; its device/session state lives in a local
// SQLite store at config.SessionDB.
type NativeChannel struct {
	*channels.BaseChannel
	config         config.WhatsAppConfig
	pairingService store.PairingStore

	mu     sync.Mutex
	client *whatsmeow.Client
	cancel context.CancelFunc

	pairingDebounce sync.Map // senderID -> time.Time
}

// NewNative creates a WhatsApp channel that talks to WhatsApp directly via
// whatsmeow instead of through a bridge process. The device must already be
// linked in the session store; Start fails fast if no prior session exists.
// NewNative itself only checks that SessionDB is set.
func NewNative(cfg config.WhatsAppConfig, msgBus *bus.MessageBus, pairingSvc store.PairingStore) (*NativeChannel, error) {
	if cfg.SessionDB == "" {
		return nil, fmt.Errorf("whatsapp native mode requires session_db")
	}

	base := channels.NewBaseChannel("whatsapp", msgBus, cfg.AllowFrom)
	return &NativeChannel{
		BaseChannel:    base,
		config:         cfg,
		pairingService: pairingSvc,
	}, nil
}

// Start opens the device store, connects, and begins dispatching events.
// A device with no prior pairing returns an error rather than blocking on a
// QR prompt — this package does not link new devices.
func (c *NativeChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	container, err := sqlstore.New(runCtx, "sqlite", "file:"+c.config.SessionDB+"?_foreign_keys=on", slogLogger{module: "whatsapp-store"})
	if err != nil {
		cancel()
		return fmt.Errorf("open whatsapp device store: %w", err)
	}

	device, err := container.GetFirstDevice(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("load whatsapp device: %w", err)
	}
	if device.ID == nil {
		cancel()
		return fmt.Errorf("whatsapp device not linked in session store %s", c.config.SessionDB)
	}

	client := whatsmeow.NewClient(device, slogLogger{module: "whatsapp-client"})
	client.AddEventHandler(func(evt interface{}) { c.handleEvent(runCtx, evt) })

	if err := client.Connect(); err != nil {
		cancel()
		return fmt.Errorf("connect whatsapp: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	slog.Info("whatsapp native channel connected", "jid", device.ID.User)
	c.SetRunning(true)

	go func() {
		<-runCtx.Done()
		client.Disconnect()
	}()
	return nil
}

// Stop disconnects from WhatsApp and releases the device handle.
func (c *NativeChannel) Stop(_ context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	c.SetRunning(false)
	return nil
}

// Send delivers an outbound message via whatsmeow, splitting on the same
// 4096-character boundary the bridge-mode channel's upstream bridge uses.
func (c *NativeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("whatsapp native client not connected")
	}

	jid, err := types.ParseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("parse whatsapp chat id %q: %w", msg.ChatID, err)
	}

	for _, chunk := range splitMessage(msg.Content, 4096) {
		text := chunk
		if _, err := client.SendMessage(ctx, jid, &waProto.Message{Conversation: proto.String(text)}); err != nil {
			return fmt.Errorf("send whatsapp message: %w", err)
		}
	}
	return nil
}

// splitMessage breaks text into chunks of at most maxLen bytes, splitting
// on the nearest newline within the limit when possible so sentences
// aren't cut mid-word.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut <= 0 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func (c *NativeChannel) handleEvent(ctx context.Context, evt interface{}) {
	switch v := evt.(type) {
	case *events.Connected:
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			if err := client.SendPresence(ctx, types.PresenceAvailable); err != nil {
				slog.Warn("whatsapp: set presence failed", "error", err)
			}
		}
	case *events.Message:
		c.handleMessage(v)
	}
}

func (c *NativeChannel) handleMessage(msg *events.Message) {
	if msg.Info.IsFromMe {
		return
	}

	senderID := msg.Info.Sender.User
	chatID := msg.Info.Chat.String()
	peerKind := "direct"
	if msg.Info.IsGroup {
		peerKind = "group"
	}

	content := ""
	if msg.Message.GetConversation() != "" {
		content = msg.Message.GetConversation()
	} else if ext := msg.Message.GetExtendedTextMessage(); ext != nil {
		content = ext.GetText()
	}
	if content == "" {
		return
	}
	content = strings.TrimSpace(content)

	if peerKind == "direct" {
		if !c.checkDMPolicy(senderID, chatID) {
			return
		}
	} else if !c.CheckPolicy("group", "", c.config.GroupPolicy, senderID) {
		slog.Debug("whatsapp native group message rejected by policy", "sender_id", senderID)
		return
	}

	if !c.IsAllowed(senderID) {
		slog.Debug("whatsapp native message rejected by allowlist", "sender_id", senderID)
		return
	}

	metadata := map[string]string{"message_id": string(msg.Info.ID)}
	slog.Debug("whatsapp native message received", "sender_id", senderID, "chat_id", chatID, "preview", channels.Truncate(content, 50))
	c.HandleMessage(senderID, chatID, content, nil, metadata, peerKind)
}

func (c *NativeChannel) checkDMPolicy(senderID, chatID string) bool {
	dmPolicy := c.config.DMPolicy
	if dmPolicy == "" {
		dmPolicy = "pairing"
	}

	switch dmPolicy {
	case "disabled":
		return false
	case "open":
		return true
	case "allowlist":
		return c.IsAllowed(senderID)
	default: // "pairing"
		paired := c.pairingService != nil && c.pairingService.IsPaired(senderID, c.Name())
		inAllowList := c.HasAllowList() && c.IsAllowed(senderID)
		if paired || inAllowList {
			return true
		}
		c.sendPairingReply(senderID, chatID)
		return false
	}
}

func (c *NativeChannel) sendPairingReply(senderID, chatID string) {
	if c.pairingService == nil {
		return
	}
	if lastSent, ok := c.pairingDebounce.Load(senderID); ok {
		if time.Since(lastSent.(time.Time)) < pairingDebounceTime {
			return
		}
	}

	code, err := c.pairingService.RequestPairing(senderID, c.Name(), chatID, "default")
	if err != nil {
		slog.Debug("whatsapp native pairing request failed", "sender_id", senderID, "error", err)
		return
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	jid, err := types.ParseJID(chatID)
	if err != nil {
		return
	}
	replyText := fmt.Sprintf(
		"GoClaw: access not configured.\n\nYour WhatsApp ID: %s\n\nPairing code: %s\n\nAsk the bot owner to approve with:\n  goclaw pairing approve %s",
		senderID, code, code,
	)
	if _, err := client.SendMessage(context.Background(), jid, &waProto.Message{Conversation: proto.String(replyText)}); err != nil {
		slog.Warn("failed to send whatsapp native pairing reply", "error", err)
		return
	}
	c.pairingDebounce.Store(senderID, time.Now())
}
