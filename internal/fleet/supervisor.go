// Package fleet keeps the live sessions of this process in line with the
// tenant tables: a periodic poller diffs desired state (database rows)
// against the local registry, and an event sink pushes session lifecycle
// changes back to the tables the dashboard polls.
package fleet

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zapfleet/zapfleet/internal/ai"
	. "github.com/zapfleet/zapfleet/internal/logging"
	"github.com/zapfleet/zapfleet/internal/matcher"
	"github.com/zapfleet/zapfleet/internal/session"
	"github.com/zapfleet/zapfleet/internal/store"
	"github.com/zapfleet/zapfleet/internal/whatsapp"
)

// DefaultPollInterval is how often the poller reconciles.
const DefaultPollInterval = 10 * time.Second

// TenantStore is the slice of the data store the supervisor needs.
// *store.Store is the production implementation.
type TenantStore interface {
	Sessions(ctx context.Context) ([]store.BotSession, error)
	Session(ctx context.Context, id string) (store.BotSession, error)
	Commands(ctx context.Context, sessionID string) ([]matcher.Command, error)
	SetStatus(ctx context.Context, sessionID, status string) error
	SetQR(ctx context.Context, sessionID, payload string) error
}

// Responder produces AI replies. *ai.Responder is the production
// implementation.
type Responder interface {
	Reply(ctx context.Context, sessionID, commandID, prompt, staticOutput, message string) (string, bool)
}

var _ Responder = (*ai.Responder)(nil)

// Supervisor runs the reconcile loop and implements session.EventSink.
type Supervisor struct {
	store     TenantStore
	manager   *session.Manager
	match     *matcher.Matcher
	responder Responder
	pollEvery time.Duration
}

// New wires a supervisor. A non-positive pollEvery falls back to
// DefaultPollInterval.
func New(st TenantStore, manager *session.Manager, match *matcher.Matcher, responder Responder, pollEvery time.Duration) *Supervisor {
	if pollEvery <= 0 {
		pollEvery = DefaultPollInterval
	}
	return &Supervisor{
		store:     st,
		manager:   manager,
		match:     match,
		responder: responder,
		pollEvery: pollEvery,
	}
}

// Run reconciles immediately, then on a schedule until ctx is cancelled.
// On cancellation every live session is torn down and marked OFFLINE.
// Scheduled reconciles never overlap: a slow one delays the next.
func (s *Supervisor) Run(ctx context.Context) {
	L_info("fleet: supervisor started", "pollInterval", s.pollEvery.String())
	s.Reconcile(ctx)

	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	sched.Schedule(cron.Every(s.pollEvery), cron.FuncJob(func() {
		s.Reconcile(ctx)
	}))
	sched.Start()

	<-ctx.Done()
	<-sched.Stop().Done()
	s.Shutdown(context.Background())
}

// Reconcile diffs the tenant tables against the local registry: rows newly
// enabled are started, rows disabled or deleted are killed. Start failures
// are logged and retried on the next tick; lock contention in particular
// just means another fleet process owns the session.
func (s *Supervisor) Reconcile(ctx context.Context) {
	rows, err := s.store.Sessions(ctx)
	if err != nil {
		L_error("fleet: failed to read bot sessions, skipping reconcile", "error", err)
		return
	}

	desired := make(map[string]bool, len(rows))
	for _, row := range rows {
		desired[row.ID] = row.Enabled
	}

	// Kill sessions whose row was disabled or deleted
	for _, id := range s.manager.List() {
		if desired[id] {
			continue
		}
		L_info("fleet: stopping session", "session", id)
		s.manager.Kill(ctx, id)
		s.markOffline(ctx, id)
	}

	// Start enabled sessions that are not live here
	for _, row := range rows {
		if !row.Enabled {
			continue
		}
		if _, ok := s.manager.Get(row.ID); ok {
			continue
		}
		L_info("fleet: starting session", "session", row.ID, "name", row.Name)
		if _, err := s.manager.Create(ctx, row.ID, s); err != nil {
			L_warn("fleet: session start failed", "session", row.ID, "error", err)
		}
	}
}

// Shutdown kills every live session and flips their status rows OFFLINE.
func (s *Supervisor) Shutdown(ctx context.Context) {
	ids := s.manager.List()
	s.manager.KillAll(ctx)
	for _, id := range ids {
		s.markOffline(ctx, id)
	}
	L_info("fleet: supervisor stopped", "sessions", len(ids))
}

func (s *Supervisor) markOffline(ctx context.Context, id string) {
	if err := s.store.SetStatus(ctx, id, store.StatusOffline); err != nil {
		L_warn("fleet: failed to mark session offline", "session", id, "error", err)
	}
	if err := s.store.SetQR(ctx, id, ""); err != nil {
		L_warn("fleet: failed to clear QR payload", "session", id, "error", err)
	}
}

// OnQRCode implements session.EventSink: the payload lands on the session
// row for the dashboard to render.
func (s *Supervisor) OnQRCode(sessionID, code string) {
	ctx := context.Background()
	if err := s.store.SetQR(ctx, sessionID, code); err != nil {
		L_warn("fleet: failed to persist QR payload", "session", sessionID, "error", err)
	}
	if err := s.store.SetStatus(ctx, sessionID, store.StatusConnecting); err != nil {
		L_warn("fleet: failed to set status", "session", sessionID, "error", err)
	}
}

// OnAuthFailure implements session.EventSink.
func (s *Supervisor) OnAuthFailure(sessionID string, err error) {
	L_warn("fleet: session auth failure", "session", sessionID, "error", err)
}

// OnReady implements session.EventSink.
func (s *Supervisor) OnReady(sessionID string) {
	ctx := context.Background()
	if err := s.store.SetStatus(ctx, sessionID, store.StatusOnline); err != nil {
		L_warn("fleet: failed to set status", "session", sessionID, "error", err)
	}
	if err := s.store.SetQR(ctx, sessionID, ""); err != nil {
		L_warn("fleet: failed to clear QR payload", "session", sessionID, "error", err)
	}
}

// OnDisconnected implements session.EventSink. The session has already
// torn itself down; only the registry entry and the status row remain.
func (s *Supervisor) OnDisconnected(sessionID string, reason whatsapp.Reason) {
	L_info("fleet: session disconnected", "session", sessionID, "reason", reason.String())
	s.manager.Remove(sessionID)
	s.markOffline(context.Background(), sessionID)
}

// OnMessage implements session.EventSink: match the tenant's commands and
// answer with static output, an AI completion, or nothing.
func (s *Supervisor) OnMessage(sessionID string, client whatsapp.Client, msg whatsapp.MessageEvent) {
	if msg.FromMe {
		return
	}
	ctx := context.Background()

	commands, err := s.store.Commands(ctx, sessionID)
	if err != nil {
		L_warn("fleet: failed to load commands, dropping message", "session", sessionID, "error", err)
		return
	}

	if cmd, ok := s.match.Match(msg.Text, commands); ok {
		s.respond(ctx, sessionID, client, msg, cmd)
		return
	}

	// No command matched: the session's default AI fallback, if enabled
	row, err := s.store.Session(ctx, sessionID)
	if err != nil {
		L_warn("fleet: failed to load session row, dropping message", "session", sessionID, "error", err)
		return
	}
	if !row.AIEnabled {
		return
	}
	if text, ok := s.responder.Reply(ctx, sessionID, "", row.AIPrompt, "", msg.Text); ok {
		s.send(ctx, sessionID, client, msg.Chat, text)
	}
}

// respond answers a matched command: an AI completion when enabled, the
// static output otherwise. A command with neither stays silent.
func (s *Supervisor) respond(ctx context.Context, sessionID string, client whatsapp.Client, msg whatsapp.MessageEvent, cmd matcher.Command) {
	if cmd.EnableAI {
		if text, ok := s.responder.Reply(ctx, sessionID, cmd.ID, cmd.PromptAI, cmd.Output, msg.Text); ok {
			s.send(ctx, sessionID, client, msg.Chat, text)
		}
		return
	}
	if cmd.Output != "" {
		s.send(ctx, sessionID, client, msg.Chat, cmd.Output)
	}
}

func (s *Supervisor) send(ctx context.Context, sessionID string, client whatsapp.Client, chat, text string) {
	if err := client.Send(ctx, chat, text); err != nil {
		L_warn("fleet: failed to send reply", "session", sessionID, "chat", chat, "error", err)
	}
}
