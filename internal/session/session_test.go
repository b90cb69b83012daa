package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zapfleet/zapfleet/internal/creds"
	"github.com/zapfleet/zapfleet/internal/lock"
	"github.com/zapfleet/zapfleet/internal/whatsapp"
)

// fakeClient is a scripted transport client. Tests emit events on it to
// drive the state machine.
type fakeClient struct {
	mu      sync.Mutex
	events  chan whatsapp.Event
	closed  bool
	connect error
	gate    chan struct{} // when set, Connect blocks until it closes
	sent    []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan whatsapp.Event, 16)}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.gate != nil {
		<-c.gate
	}
	return c.connect
}

func (c *fakeClient) Events() <-chan whatsapp.Event { return c.events }

func (c *fakeClient) Send(ctx context.Context, chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chat+"|"+text)
	return nil
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *fakeClient) emit(evt whatsapp.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.events <- evt
	}
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out one fakeClient per Dial call.
type fakeDialer struct {
	mu      sync.Mutex
	clients []*fakeClient
	dialErr error
	connect error         // connect error for the next client
	gate    chan struct{} // connect gate for the next client
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string) (whatsapp.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	c := newFakeClient()
	c.connect = d.connect
	c.gate = d.gate
	d.clients = append(d.clients, c)
	return c, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

// recordingSink captures lifecycle events on buffered channels so tests
// can wait for them.
type recordingSink struct {
	qr           chan string
	authFailures chan error
	ready        chan struct{}
	disconnected chan whatsapp.Reason
	messages     chan whatsapp.MessageEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		qr:           make(chan string, 16),
		authFailures: make(chan error, 16),
		ready:        make(chan struct{}, 16),
		disconnected: make(chan whatsapp.Reason, 16),
		messages:     make(chan whatsapp.MessageEvent, 16),
	}
}

func (r *recordingSink) OnQRCode(id, code string)         { r.qr <- code }
func (r *recordingSink) OnAuthFailure(id string, err error) { r.authFailures <- err }
func (r *recordingSink) OnReady(id string)                { r.ready <- struct{}{} }
func (r *recordingSink) OnDisconnected(id string, reason whatsapp.Reason) {
	r.disconnected <- reason
}
func (r *recordingSink) OnMessage(id string, client whatsapp.Client, msg whatsapp.MessageEvent) {
	r.messages <- msg
}

func testConfig() Config {
	return Config{
		LockTTL:        time.Minute,
		RenewEvery:     10 * time.Millisecond,
		MaxRestarts:    5,
		RestartBackoff: time.Millisecond,
	}
}

func newTestSession(t *testing.T) (*Session, *fakeDialer, *lock.MemoryLock, *creds.MemoryStore, *recordingSink) {
	t.Helper()
	dialer := &fakeDialer{}
	locks := lock.NewMemoryLock()
	store := creds.NewMemoryStore()
	sink := newRecordingSink()
	s := New("tenant-1", Deps{Dialer: dialer, Locks: locks, Creds: store}, testConfig(), sink)
	return s, dialer, locks, store, sink
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func recvReason(t *testing.T, ch chan whatsapp.Reason, desc string) whatsapp.Reason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", desc)
		return whatsapp.ReasonUnknown
	}
}

func TestInitializePairingFlow(t *testing.T) {
	s, dialer, locks, _, sink := newTestSession(t)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if got := s.Status(); got != PhaseConnecting {
		t.Fatalf("status after initialize = %s, want CONNECTING", got)
	}
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); !held {
		t.Fatal("lock should be held after initialize")
	}

	client := dialer.client(0)
	client.emit(whatsapp.QREvent{Code: "qr-payload-1"})

	select {
	case code := <-sink.qr:
		if code != "qr-payload-1" {
			t.Fatalf("sink got QR %q", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for QR callback")
	}
	waitFor(t, "QR payload exposed", func() bool { return s.QRPayload() == "qr-payload-1" })

	client.emit(whatsapp.ConnectedEvent{})
	select {
	case <-sink.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready callback")
	}
	if got := s.Status(); got != PhaseOnline {
		t.Fatalf("status after connect = %s, want ONLINE", got)
	}
	if s.QRPayload() != "" {
		t.Fatal("QR payload should be cleared once online")
	}

	s.Kill(ctx)
}

func TestInitializeFailsWhenLockHeld(t *testing.T) {
	s, dialer, locks, _, _ := newTestSession(t)
	ctx := context.Background()

	if ok, _ := locks.Acquire(ctx, lock.SessionKey("tenant-1"), "other-server", time.Minute); !ok {
		t.Fatal("pre-acquire failed")
	}

	err := s.Initialize(ctx)
	if !errors.Is(err, ErrSessionOwned) {
		t.Fatalf("want ErrSessionOwned, got %v", err)
	}
	if dialer.count() != 0 {
		t.Fatal("must not dial when the lock is contended")
	}
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
}

func TestInitializeReleasesLockOnConnectFailure(t *testing.T) {
	s, dialer, locks, _, _ := newTestSession(t)
	dialer.connect = errors.New("server unreachable")
	ctx := context.Background()

	if err := s.Initialize(ctx); err == nil {
		t.Fatal("initialize should fail when connect fails")
	}

	// No partial state: the lease must be free for another attempt
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); held {
		t.Fatal("lock must be released after a failed initialize")
	}
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
}

func TestLoggedOutWipesCredentialsAndTerminates(t *testing.T) {
	s, dialer, locks, store, sink := newTestSession(t)
	ctx := context.Background()

	if err := store.Write(ctx, creds.RootKey("tenant-1"), []byte(`{"jid":"555@s.whatsapp.net"}`)); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, creds.CategoryKey("pre-key", "1", "tenant-1"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client := dialer.client(0)
	client.emit(whatsapp.ConnectedEvent{})
	client.emit(whatsapp.DisconnectedEvent{Reason: whatsapp.ReasonLoggedOut})

	if reason := recvReason(t, sink.disconnected, "disconnect callback"); reason != whatsapp.ReasonLoggedOut {
		t.Fatalf("disconnect reason = %s, want logged-out", reason)
	}

	// Credentials gone: a fresh initialize must go through pairing again
	if _, ok, _ := store.Read(ctx, creds.RootKey("tenant-1")); ok {
		t.Fatal("root credential record survived logout")
	}
	if store.Len() != 0 {
		t.Fatalf("%d credential records survived logout", store.Len())
	}
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); held {
		t.Fatal("lock must be released after terminal disconnect")
	}
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
}

func TestTransientDisconnectAutoRestarts(t *testing.T) {
	s, dialer, locks, _, sink := newTestSession(t)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	first := dialer.client(0)
	first.emit(whatsapp.ConnectedEvent{})
	<-sink.ready

	first.emit(whatsapp.DisconnectedEvent{Reason: whatsapp.ReasonConnectionLost})

	waitFor(t, "second dial", func() bool { return dialer.count() == 2 })
	waitFor(t, "old client closed", first.isClosed)

	second := dialer.client(1)
	second.emit(whatsapp.ConnectedEvent{})
	select {
	case <-sink.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ready after restart")
	}

	// The lease survived the restart
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); !held {
		t.Fatal("lock must still be held across an auto-restart")
	}
	if got := s.Status(); got != PhaseOnline {
		t.Fatalf("status = %s, want ONLINE", got)
	}

	s.Kill(ctx)
}

func TestRestartCapTerminates(t *testing.T) {
	dialer := &fakeDialer{}
	locks := lock.NewMemoryLock()
	store := creds.NewMemoryStore()
	sink := newRecordingSink()
	cfg := testConfig()
	cfg.MaxRestarts = 1
	s := New("tenant-1", Deps{Dialer: dialer, Locks: locks, Creds: store}, cfg, sink)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	dialer.client(0).emit(whatsapp.DisconnectedEvent{Reason: whatsapp.ReasonConnectionLost})
	waitFor(t, "restart dial", func() bool { return dialer.count() == 2 })

	// Second consecutive transient disconnect exceeds the cap
	dialer.client(1).emit(whatsapp.DisconnectedEvent{Reason: whatsapp.ReasonTimedOut})

	if reason := recvReason(t, sink.disconnected, "terminal disconnect"); reason != whatsapp.ReasonTimedOut {
		t.Fatalf("disconnect reason = %s, want timed-out", reason)
	}
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); held {
		t.Fatal("lock must be released once the restart cap terminates the session")
	}
}

func TestTakeoverKillsLocalClient(t *testing.T) {
	s, dialer, locks, _, sink := newTestSession(t)
	ctx := context.Background()

	var clockMu sync.Mutex
	now := time.Now()
	locks.SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client := dialer.client(0)
	client.emit(whatsapp.ConnectedEvent{})
	<-sink.ready

	// Simulate the lease expiring during a long pause and another process
	// re-acquiring it.
	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	if ok, _ := locks.Acquire(ctx, lock.SessionKey("tenant-1"), "usurper", time.Minute); !ok {
		t.Fatal("takeover acquire should succeed after expiry")
	}

	// Within one renewal interval the session must detect the foreign
	// token and kill its own connection.
	if reason := recvReason(t, sink.disconnected, "takeover disconnect"); reason != whatsapp.ReasonConnectionReplaced {
		t.Fatalf("disconnect reason = %s, want connection-replaced", reason)
	}
	waitFor(t, "local client closed", client.isClosed)
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}

	// The usurper's lease must be untouched
	token, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1"))
	if !held || token != "usurper" {
		t.Fatalf("usurper's lease was disturbed: held=%v token=%q", held, token)
	}
}

func TestKillIsIdempotent(t *testing.T) {
	ctx := context.Background()

	// Kill before initialize is a no-op
	idle, _, _, _, _ := newTestSession(t)
	idle.Kill(ctx)

	s, dialer, locks, _, _ := newTestSession(t)
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client := dialer.client(0)

	s.Kill(ctx)
	s.Kill(ctx) // second kill must be a no-op

	if !client.isClosed() {
		t.Fatal("client must be closed by kill")
	}
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); held {
		t.Fatal("lock must be released by kill")
	}
	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
}

func TestKillDuringInitializeReleasesLease(t *testing.T) {
	s, dialer, locks, _, _ := newTestSession(t)
	ctx := context.Background()

	gate := make(chan struct{})
	dialer.gate = gate

	errCh := make(chan error, 1)
	go func() { errCh <- s.Initialize(ctx) }()
	waitFor(t, "dial", func() bool { return dialer.count() == 1 })

	// Kill lands while initialize is still connecting. It must return
	// promptly rather than wait out the connect.
	killed := make(chan struct{})
	go func() {
		s.Kill(ctx)
		close(killed)
	}()
	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill blocked behind an in-flight initialize")
	}

	close(gate)
	if err := <-errCh; !errors.Is(err, ErrNotRunning) {
		t.Fatalf("initialize after kill = %v, want ErrNotRunning", err)
	}

	if got := s.Status(); got != PhaseOffline {
		t.Fatalf("status = %s, want OFFLINE", got)
	}
	if _, held, _ := locks.Get(ctx, lock.SessionKey("tenant-1")); held {
		t.Fatal("lease leaked after kill during initialize")
	}
	waitFor(t, "client closed", dialer.client(0).isClosed)

	// The id must be free for a fresh owner anywhere in the fleet
	if ok, _ := locks.Acquire(ctx, lock.SessionKey("tenant-1"), "other-server", time.Minute); !ok {
		t.Fatal("lease not acquirable after kill")
	}
}

func TestRestartBackoffNeverOverflows(t *testing.T) {
	base := 2 * time.Second
	if got := backoffFor(base, 0); got != base {
		t.Fatalf("attempt 0 backoff = %s, want %s", got, base)
	}
	if got := backoffFor(base, 3); got != 16*time.Second {
		t.Fatalf("attempt 3 backoff = %s, want 16s", got)
	}
	huge := backoffFor(base, 500)
	if huge <= 0 {
		t.Fatalf("backoff overflowed to %s", huge)
	}
	if huge != base<<16 {
		t.Fatalf("capped backoff = %s, want %s", huge, base<<16)
	}
}

func TestMessagesReachSink(t *testing.T) {
	s, dialer, _, _, sink := newTestSession(t)
	ctx := context.Background()

	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	client := dialer.client(0)
	client.emit(whatsapp.ConnectedEvent{})
	<-sink.ready

	client.emit(whatsapp.MessageEvent{
		Chat:   "555@s.whatsapp.net",
		Sender: "555",
		Text:   "oi",
	})

	select {
	case msg := <-sink.messages:
		if msg.Text != "oi" {
			t.Fatalf("message text = %q", msg.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message callback")
	}

	s.Kill(ctx)
}
