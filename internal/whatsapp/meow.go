package whatsapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/zapfleet/zapfleet/internal/creds"
	. "github.com/zapfleet/zapfleet/internal/logging"
)

const eventBuffer = 64

// zapLogger bridges whatsmeow's waLog.Logger to our L_* functions
type zapLogger struct {
	module string
}

func (l *zapLogger) Debugf(msg string, args ...interface{}) {
	L_debug(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *zapLogger) Infof(msg string, args ...interface{}) {
	L_info(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *zapLogger) Warnf(msg string, args ...interface{}) {
	L_warn(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *zapLogger) Errorf(msg string, args ...interface{}) {
	L_error(fmt.Sprintf("whatsmeow/%s: %s", l.module, fmt.Sprintf(msg, args...)))
}

func (l *zapLogger) Sub(module string) waLog.Logger {
	return &zapLogger{module: l.module + "/" + module}
}

// rootRecord is the JSON payload of a session's root credential record.
// It binds the opaque session id to the paired WhatsApp identity.
type rootRecord struct {
	JID      string    `json:"jid"`
	Platform string    `json:"platform,omitempty"`
	PairedAt time.Time `json:"pairedAt"`
}

// MeowDialer creates whatsmeow-backed clients. Device state (identity keys,
// signal sessions) lives in whatsmeow's own tables on the shared database;
// the creds store holds the sessionID -> device binding plus rotated
// category records, and selects which device a session resumes.
type MeowDialer struct {
	container *sqlstore.Container
	creds     creds.Store
	devQR     bool
}

// NewMeowDialer wraps an open database handle. dialect is "postgres" in
// production; sqlite3 works for local single-node runs.
func NewMeowDialer(ctx context.Context, db *sql.DB, dialect string, cs creds.Store, devQR bool) (*MeowDialer, error) {
	container := sqlstore.NewWithDB(db, dialect, &zapLogger{module: "store"})
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade whatsmeow store: %w", err)
	}
	return &MeowDialer{container: container, creds: cs, devQR: devQR}, nil
}

// Dial implements Dialer. A session with a root credential record resumes
// its paired device; anything else gets a fresh device and will go through
// QR pairing on Connect.
func (d *MeowDialer) Dial(ctx context.Context, sessionID string) (Client, error) {
	device := d.container.NewDevice()

	data, ok, err := d.creds.Read(ctx, creds.RootKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials for %s: %w", sessionID, err)
	}
	if ok {
		var root rootRecord
		if err := json.Unmarshal(data, &root); err != nil {
			return nil, fmt.Errorf("corrupt root credential record for %s: %w", sessionID, err)
		}
		jid, err := types.ParseJID(root.JID)
		if err != nil {
			return nil, fmt.Errorf("corrupt JID in credentials for %s: %w", sessionID, err)
		}
		paired, err := d.container.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("failed to load device %s: %w", jid, err)
		}
		if paired != nil {
			device = paired
		} else {
			// Root record without a device row: the device store was reset
			// underneath us. Fall back to fresh pairing.
			L_warn("whatsapp: credential record points at missing device, re-pairing",
				"session", sessionID, "jid", root.JID)
		}
	}

	client := whatsmeow.NewClient(device, &zapLogger{module: "client"})
	// The session's reconnect policy decides what to do on disconnects;
	// whatsmeow must not race it with its own reconnect loop.
	client.EnableAutoReconnect = false

	return &meowClient{
		sessionID: sessionID,
		client:    client,
		creds:     d.creds,
		devQR:     d.devQR,
		events:    make(chan Event, eventBuffer),
	}, nil
}

// meowClient implements Client over a whatsmeow.Client.
type meowClient struct {
	sessionID string
	client    *whatsmeow.Client
	creds     creds.Store
	devQR     bool

	events chan Event

	mu     sync.Mutex
	closed bool
}

// Connect implements Client.
func (c *meowClient) Connect(ctx context.Context) error {
	c.client.AddEventHandler(c.handleEvent)

	if c.client.Store.ID == nil {
		// Unpaired device: the QR channel must be requested before the
		// connection is opened.
		qrChan, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		go c.pumpQR(ctx, qrChan)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: failed to connect: %w", err)
	}
	return nil
}

// pumpQR forwards pairing codes from whatsmeow's QR channel onto the event
// stream until pairing resolves.
func (c *meowClient) pumpQR(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if c.devQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
			}
			c.push(QREvent{Code: item.Code})
		case "success":
			// PairSuccess persists the root record; nothing to do here.
			L_info("whatsapp: QR scan accepted", "session", c.sessionID)
		case "timeout":
			c.push(DisconnectedEvent{Reason: ReasonTimedOut})
			return
		default:
			c.push(AuthFailureEvent{Err: fmt.Errorf("pairing failed: %s", item.Event)})
			return
		}
	}
}

// handleEvent is the whatsmeow event handler. It maps protocol events to
// the transport event stream and persists credential changes.
func (c *meowClient) handleEvent(evt interface{}) {
	ctx := context.Background()

	switch v := evt.(type) {
	case *events.Connected:
		c.push(ConnectedEvent{})

	case *events.PairSuccess:
		c.saveRootRecord(ctx, v.ID, v.Platform)

	case *events.PairError:
		c.push(AuthFailureEvent{Err: v.Error})

	case *events.LoggedOut:
		// Drop whatsmeow's device rows alongside; the session wipes our
		// credential records and both stores must agree.
		if err := c.client.Store.Delete(ctx); err != nil {
			L_warn("whatsapp: failed to delete device after logout",
				"session", c.sessionID, "error", err)
		}
		c.push(DisconnectedEvent{Reason: ReasonLoggedOut})

	case *events.StreamReplaced:
		c.push(DisconnectedEvent{Reason: ReasonConnectionReplaced})

	case *events.TemporaryBan:
		c.push(DisconnectedEvent{Reason: ReasonForbidden})

	case *events.ClientOutdated:
		c.push(DisconnectedEvent{Reason: ReasonMultiDeviceMismatch})

	case *events.KeepAliveTimeout:
		c.push(DisconnectedEvent{Reason: ReasonTimedOut})

	case *events.StreamError:
		c.push(DisconnectedEvent{Reason: streamErrorReason(v.Code)})

	case *events.ConnectFailure:
		c.push(DisconnectedEvent{Reason: connectFailureReason(int(v.Reason))})

	case *events.Disconnected:
		c.push(DisconnectedEvent{Reason: ReasonConnectionLost})

	case *events.AppStateSyncComplete:
		// App state keys rotate during normal operation; keep a record so a
		// resumed session knows which collections were synced.
		c.saveCategoryRecord(ctx, "app-state-sync-key", string(v.Name))

	case *events.Message:
		if v.Info.IsGroup {
			L_debug("whatsapp: ignoring group message", "session", c.sessionID)
			return
		}
		text := extractText(v)
		if text == "" {
			L_debug("whatsapp: unsupported message type, ignoring", "session", c.sessionID)
			return
		}
		c.push(MessageEvent{
			Chat:   v.Info.Chat.String(),
			Sender: v.Info.Sender.User,
			Text:   text,
			FromMe: v.Info.IsFromMe,
		})
	}
}

func (c *meowClient) saveRootRecord(ctx context.Context, jid types.JID, platform string) {
	root := rootRecord{JID: jid.String(), Platform: platform, PairedAt: time.Now().UTC()}
	data, err := json.Marshal(root)
	if err != nil {
		L_error("whatsapp: failed to marshal root record", "session", c.sessionID, "error", err)
		return
	}
	if err := c.creds.Write(ctx, creds.RootKey(c.sessionID), data); err != nil {
		L_error("whatsapp: failed to persist credentials", "session", c.sessionID, "error", err)
		return
	}
	L_info("whatsapp: paired", "session", c.sessionID, "jid", jid.String())
}

func (c *meowClient) saveCategoryRecord(ctx context.Context, category, id string) {
	payload, _ := json.Marshal(map[string]string{
		"syncedAt": time.Now().UTC().Format(time.RFC3339),
	})
	key := creds.CategoryKey(category, id, c.sessionID)
	if err := c.creds.Write(ctx, key, payload); err != nil {
		L_warn("whatsapp: failed to persist credential record",
			"session", c.sessionID, "key", key, "error", err)
	}
}

// Events implements Client.
func (c *meowClient) Events() <-chan Event {
	return c.events
}

// Send implements Client.
func (c *meowClient) Send(ctx context.Context, chat, text string) error {
	jid, err := types.ParseJID(chat)
	if err != nil {
		return fmt.Errorf("invalid chat JID %q: %w", chat, err)
	}
	_, err = c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// Close implements Client.
func (c *meowClient) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.client.RemoveEventHandlers()
	c.client.Disconnect()
	close(c.events)
}

// push delivers an event unless the client is closed. A full buffer drops
// the event rather than blocking whatsmeow's dispatch loop.
func (c *meowClient) push(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
		L_warn("whatsapp: event buffer full, dropping event",
			"session", c.sessionID, "event", fmt.Sprintf("%T", evt))
	}
}

func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg.GetConversation() != "" {
		return msg.GetConversation()
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func streamErrorReason(code string) Reason {
	switch code {
	case "515":
		return ReasonRestartRequired
	case "428":
		return ReasonConnectionClosed
	case "408":
		return ReasonTimedOut
	case "440":
		return ReasonConnectionReplaced
	case "401":
		return ReasonLoggedOut
	case "403":
		return ReasonForbidden
	case "411":
		return ReasonMultiDeviceMismatch
	case "503":
		return ReasonUnavailableService
	default:
		return ReasonUnknown
	}
}

func connectFailureReason(code int) Reason {
	switch code {
	case 401:
		return ReasonLoggedOut
	case 403:
		return ReasonForbidden
	case 408:
		return ReasonTimedOut
	case 411:
		return ReasonMultiDeviceMismatch
	case 440:
		return ReasonConnectionReplaced
	case 503:
		return ReasonUnavailableService
	default:
		return ReasonUnknown
	}
}
