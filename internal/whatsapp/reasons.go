package whatsapp

// Reason describes why a connection closed. The values mirror the stream
// error codes of the WhatsApp multi-device protocol.
type Reason int

const (
	ReasonUnknown             Reason = iota
	ReasonRestartRequired            // 515 - server asks for a reconnect after pairing
	ReasonConnectionClosed           // 428
	ReasonConnectionLost             // socket dropped without a close frame
	ReasonTimedOut                   // 408
	ReasonLoggedOut                  // 401 - device removed on the phone
	ReasonConnectionReplaced         // 440 - same identity connected elsewhere
	ReasonUnavailableService         // 503
	ReasonForbidden                  // 403
	ReasonMultiDeviceMismatch        // 411
)

var reasonNames = map[Reason]string{
	ReasonUnknown:             "unknown",
	ReasonRestartRequired:     "restart-required",
	ReasonConnectionClosed:    "connection-closed",
	ReasonConnectionLost:      "connection-lost",
	ReasonTimedOut:            "timed-out",
	ReasonLoggedOut:           "logged-out",
	ReasonConnectionReplaced:  "connection-replaced",
	ReasonUnavailableService:  "unavailable-service",
	ReasonForbidden:           "forbidden",
	ReasonMultiDeviceMismatch: "multi-device-mismatch",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return "unknown"
}

// Action is what the session does about a disconnect.
type Action int

const (
	// ActionRestart reopens the connection, reusing the held lock and
	// stored credentials.
	ActionRestart Action = iota
	// ActionTerminate ends the session: release the lock, signal the sink.
	ActionTerminate
	// ActionTerminateWipe terminates and deletes stored credentials first.
	// Without the wipe a logged-out device re-pairs against stale state
	// forever.
	ActionTerminateWipe
	// ActionFatal force-closes the connection and terminates; used for
	// reasons we do not recognize.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionRestart:
		return "restart"
	case ActionTerminate:
		return "terminate"
	case ActionTerminateWipe:
		return "terminate-wipe"
	default:
		return "fatal"
	}
}

// Classify maps every disconnect reason to exactly one action.
func Classify(r Reason) Action {
	switch r {
	case ReasonRestartRequired, ReasonConnectionClosed, ReasonConnectionLost, ReasonTimedOut:
		return ActionRestart
	case ReasonLoggedOut:
		return ActionTerminateWipe
	case ReasonConnectionReplaced, ReasonUnavailableService, ReasonForbidden, ReasonMultiDeviceMismatch:
		return ActionTerminate
	default:
		return ActionFatal
	}
}
