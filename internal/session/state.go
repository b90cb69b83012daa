package session

import "github.com/zapfleet/zapfleet/internal/whatsapp"

// Phase is the coarse session status exposed to callers (and ultimately to
// the dashboard).
type Phase int

const (
	PhaseOffline Phase = iota
	PhaseConnecting
	PhaseOnline
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseOnline:
		return "ONLINE"
	default:
		return "OFFLINE"
	}
}

// state is the internal sum type. A connection handle exists only while
// connecting or online, and a QR payload only while connecting, so the
// "nil client but online" class of bug cannot be expressed.
type state interface {
	phase() Phase
}

type offline struct{}

type connecting struct {
	client whatsapp.Client
	qr     string
}

type online struct {
	client whatsapp.Client
}

func (offline) phase() Phase    { return PhaseOffline }
func (connecting) phase() Phase { return PhaseConnecting }
func (online) phase() Phase     { return PhaseOnline }

// clientOf extracts the connection handle from a state, if it has one.
func clientOf(st state) whatsapp.Client {
	switch s := st.(type) {
	case connecting:
		return s.client
	case online:
		return s.client
	default:
		return nil
	}
}
