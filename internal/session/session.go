// Package session runs the per-tenant connection state machine: lock
// acquisition and renewal, QR pairing, disconnect classification, and the
// restart/terminate policy.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zapfleet/zapfleet/internal/creds"
	"github.com/zapfleet/zapfleet/internal/lock"
	"github.com/zapfleet/zapfleet/internal/logging"
	"github.com/zapfleet/zapfleet/internal/whatsapp"
)

var (
	// ErrSessionOwned means another process in the fleet holds the
	// session's lease. The caller must not retry immediately.
	ErrSessionOwned = errors.New("session already owned by another server")

	// ErrSessionExists is returned by Manager.Create for duplicate ids.
	ErrSessionExists = errors.New("session already exists")

	// ErrNotRunning is returned by Restart when there is no held lease to
	// reuse.
	ErrNotRunning = errors.New("session is not running")

	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("session already initialized")
)

// EventSink receives session lifecycle events. The fleet supervisor is the
// production implementation; tests use recording fakes.
type EventSink interface {
	OnQRCode(sessionID, code string)
	OnAuthFailure(sessionID string, err error)
	OnReady(sessionID string)
	OnDisconnected(sessionID string, reason whatsapp.Reason)
	OnMessage(sessionID string, client whatsapp.Client, msg whatsapp.MessageEvent)
}

// Deps are the collaborators a session needs.
type Deps struct {
	Dialer whatsapp.Dialer
	Locks  lock.Service
	Creds  creds.Store
}

// Config tunes the lock lease and the restart policy.
type Config struct {
	LockTTL        time.Duration // lease duration
	RenewEvery     time.Duration // renewal cadence, typically LockTTL/2
	MaxRestarts    int           // consecutive auto-restarts before terminating
	RestartBackoff time.Duration // base backoff, doubles per consecutive restart
}

// DefaultConfig mirrors the production defaults: a two minute lease renewed
// every minute.
func DefaultConfig() Config {
	return Config{
		LockTTL:        2 * time.Minute,
		RenewEvery:     time.Minute,
		MaxRestarts:    5,
		RestartBackoff: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.RenewEvery <= 0 {
		c.RenewEvery = d.RenewEvery
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = d.MaxRestarts
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = d.RestartBackoff
	}
	return c
}

// Session owns one live connection to the messaging network.
type Session struct {
	id   string
	deps Deps
	cfg  Config
	sink EventSink

	mu          sync.Mutex
	st          state
	token       string // lease token while we hold the lock
	renewCancel context.CancelFunc
	renewDone   chan struct{}
	restarts    int
	killed      bool
}

// New creates a session in the OFFLINE state. Nothing happens until
// Initialize.
func New(id string, deps Deps, cfg Config, sink EventSink) *Session {
	return &Session{
		id:   id,
		deps: deps,
		cfg:  cfg.withDefaults(),
		sink: sink,
		st:   offline{},
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Status returns the current phase.
func (s *Session) Status() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.phase()
}

// QRPayload returns the current pairing code, or "" when none is pending.
func (s *Session) QRPayload() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.st.(connecting); ok {
		return c.qr
	}
	return ""
}

// Initialize acquires the session lease, opens the connection and starts
// the renewal loop. On any failure the session is left fully OFFLINE with
// no lease held - partial states never escape.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := s.st.(offline); !ok {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.mu.Unlock()

	token := uuid.NewString()
	key := lock.SessionKey(s.id)

	acquired, err := s.deps.Locks.Acquire(ctx, key, token, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire lock for %s: %w", s.id, err)
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrSessionOwned, s.id)
	}

	client, err := s.open(ctx)
	if err != nil {
		// Hand the lease back so another process can pick the session up.
		if rerr := s.deps.Locks.Release(ctx, key, token); rerr != nil && !errors.Is(rerr, lock.ErrNotOwner) {
			logging.L_warn("session: failed to release lock after connect failure",
				"session", s.id, "error", rerr)
		}
		return err
	}

	s.mu.Lock()
	if s.killed {
		// Killed while we were connecting. The kill saw nothing to tear
		// down, so roll everything back here; committing would leave an
		// unkillable session renewing the lease forever.
		s.mu.Unlock()
		client.Close()
		if rerr := s.deps.Locks.Release(ctx, key, token); rerr != nil && !errors.Is(rerr, lock.ErrNotOwner) {
			logging.L_warn("session: failed to release lock after kill during initialize",
				"session", s.id, "error", rerr)
		}
		return ErrNotRunning
	}
	s.token = token
	s.st = connecting{client: client}
	s.restarts = 0
	s.mu.Unlock()

	s.startRenewal()
	go s.pump(client)

	logging.L_info("session: initialized", "session", s.id)
	return nil
}

// Restart closes the current connection and opens a fresh one, reusing the
// already-held lease and stored credentials. Used for transient disconnect
// reasons.
func (s *Session) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.killed || s.token == "" {
		s.mu.Unlock()
		return ErrNotRunning
	}
	old := clientOf(s.st)
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	client, err := s.open(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		client.Close()
		return ErrNotRunning
	}
	s.st = connecting{client: client}
	s.mu.Unlock()

	go s.pump(client)

	logging.L_info("session: restarted", "session", s.id)
	return nil
}

// Kill tears the session down: renewal stopped, connection closed, lease
// released if still ours. Idempotent and safe to call from any state,
// including concurrently with a renewal tick.
func (s *Session) Kill(ctx context.Context) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	s.mu.Unlock()

	s.teardown(ctx)
	logging.L_info("session: killed", "session", s.id)
}

// open dials and connects a new client handle.
func (s *Session) open(ctx context.Context) (whatsapp.Client, error) {
	client, err := s.deps.Dialer.Dial(ctx, s.id)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session %s: %w", s.id, err)
	}
	if err := client.Connect(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect session %s: %w", s.id, err)
	}
	return client, nil
}

// pump consumes one client's event stream. It exits on the first
// disconnect event (handleDisconnect decides what happens next) or when the
// client is closed.
func (s *Session) pump(client whatsapp.Client) {
	for evt := range client.Events() {
		switch e := evt.(type) {
		case whatsapp.QREvent:
			s.mu.Lock()
			if c, ok := s.st.(connecting); ok && c.client == client {
				c.qr = e.Code
				s.st = c
			}
			s.mu.Unlock()
			logging.L_info("session: QR code issued", "session", s.id)
			s.sink.OnQRCode(s.id, e.Code)

		case whatsapp.ConnectedEvent:
			s.mu.Lock()
			stale := clientOf(s.st) != client
			if !stale {
				s.st = online{client: client}
				s.restarts = 0
			}
			s.mu.Unlock()
			if stale {
				return
			}
			logging.L_info("session: online", "session", s.id)
			s.sink.OnReady(s.id)

		case whatsapp.AuthFailureEvent:
			logging.L_warn("session: auth failure", "session", s.id, "error", e.Err)
			s.sink.OnAuthFailure(s.id, e.Err)

		case whatsapp.MessageEvent:
			s.sink.OnMessage(s.id, client, e)

		case whatsapp.DisconnectedEvent:
			s.handleDisconnect(client, e.Reason)
			return
		}
	}
}

// handleDisconnect applies the reconnect policy.
func (s *Session) handleDisconnect(client whatsapp.Client, reason whatsapp.Reason) {
	action := whatsapp.Classify(reason)
	logging.L_warn("session: disconnected",
		"session", s.id, "reason", reason.String(), "action", action.String())

	switch action {
	case whatsapp.ActionRestart:
		s.autoRestart(reason)

	case whatsapp.ActionTerminateWipe:
		// Wipe before signaling: stale credentials would trap the next
		// initialization in a pairing loop against a dead identity.
		if err := s.deps.Creds.Wipe(context.Background(), s.id); err != nil {
			logging.L_error("session: failed to wipe credentials", "session", s.id, "error", err)
		}
		s.terminate(reason)

	case whatsapp.ActionTerminate:
		s.terminate(reason)

	default: // ActionFatal
		client.Close()
		s.terminate(reason)
	}
}

// autoRestart retries transient disconnects with exponential backoff,
// terminating once the cap is hit so a permanently broken network cannot
// busy-loop the process.
func (s *Session) autoRestart(reason whatsapp.Reason) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	attempt := s.restarts
	s.restarts++
	s.mu.Unlock()

	if attempt >= s.cfg.MaxRestarts {
		logging.L_error("session: restart cap reached, terminating",
			"session", s.id, "attempts", attempt)
		s.terminate(reason)
		return
	}

	backoff := backoffFor(s.cfg.RestartBackoff, attempt)
	logging.L_warn("session: auto-restarting",
		"session", s.id, "attempt", attempt+1, "backoff", backoff.String())
	time.Sleep(backoff)

	if err := s.Restart(context.Background()); err != nil {
		if errors.Is(err, ErrNotRunning) {
			return // killed while backing off
		}
		logging.L_error("session: restart failed, terminating", "session", s.id, "error", err)
		s.terminate(reason)
	}
}

// backoffFor doubles the base per consecutive attempt. The shift is capped
// so a large configured restart budget cannot overflow the duration into a
// negative value.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	return base << attempt
}

// terminate tears down and signals the sink. No-op if already killed.
func (s *Session) terminate(reason whatsapp.Reason) {
	s.mu.Lock()
	if s.killed {
		s.mu.Unlock()
		return
	}
	s.killed = true
	s.mu.Unlock()

	s.teardown(context.Background())
	s.sink.OnDisconnected(s.id, reason)
}

// teardown stops the renewal loop, closes the connection and releases the
// lease. The renewal loop is fully stopped before the lease is touched so a
// tick cannot renew a just-released lock.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	cancel := s.renewCancel
	done := s.renewDone
	s.renewCancel = nil
	s.renewDone = nil
	client := clientOf(s.st)
	token := s.token
	s.token = ""
	s.st = offline{}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if client != nil {
		client.Close()
	}
	if token != "" {
		err := s.deps.Locks.Release(ctx, lock.SessionKey(s.id), token)
		if err != nil && !errors.Is(err, lock.ErrNotOwner) {
			logging.L_warn("session: failed to release lock", "session", s.id, "error", err)
		}
	}
}

// startRenewal launches the lease renewal loop.
func (s *Session) startRenewal() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.renewCancel = cancel
	s.renewDone = done
	s.mu.Unlock()

	go s.renewLoop(ctx, done)
}

// renewLoop refreshes the lease every RenewEvery while the stored token
// still matches ours. A token mismatch means another process re-acquired
// after expiry; the local client is killed immediately so two live
// connections never coexist beyond the detection window.
func (s *Session) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.RenewEvery)
	defer ticker.Stop()

	key := lock.SessionKey(s.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		token := s.token
		s.mu.Unlock()
		if token == "" {
			return
		}

		current, held, err := s.deps.Locks.Get(ctx, key)
		if err != nil {
			// Transient cache error: keep ticking, the lease may still be
			// renewed on the next round before it expires.
			logging.L_warn("session: lock read failed during renewal", "session", s.id, "error", err)
			continue
		}

		if held && current == token {
			if err := s.deps.Locks.Renew(ctx, key, s.cfg.LockTTL); err != nil {
				logging.L_warn("session: lock renewal failed", "session", s.id, "error", err)
			}
			continue
		}

		logging.L_error("session: lock taken over by another server, killing local client",
			"session", s.id)
		// Kill from a fresh goroutine: teardown waits for this loop to
		// exit, so killing inline would deadlock.
		go func() {
			s.Kill(context.Background())
			s.sink.OnDisconnected(s.id, whatsapp.ReasonConnectionReplaced)
		}()
		return
	}
}
