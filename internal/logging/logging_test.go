package logging

import "testing"

func TestHasFmtVerb(t *testing.T) {
	cases := map[string]bool{
		"plain message":       false,
		"value is %d":         true,
		"loaded %s from %s":   true,
		"100%% done":          false,
		"session %v replaced": true,
		"":                    false,
		"%":                   false,
	}
	for msg, want := range cases {
		if got := hasFmtVerb(msg); got != want {
			t.Errorf("hasFmtVerb(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestFormatMsg(t *testing.T) {
	if got := formatMsg("value is %d", []interface{}{42}); got != "value is 42" {
		t.Errorf("formatMsg = %q", got)
	}
	if got := formatMsg("%s/%s", []interface{}{"a", "b"}); got != "a/b" {
		t.Errorf("formatMsg = %q", got)
	}
}

func TestCallShapes(t *testing.T) {
	Init(DefaultConfig())

	// All three shapes must be accepted without panicking: plain,
	// printf-style, and structured key-value pairs.
	L_info("plain message")
	L_info("zapfleet %s starting", "0.1.0")
	L_info("session: online", "session", "tenant-1", "attempt", 2)
	L_warn("fleet: session start failed", "session", "tenant-1", "error", nil)
}
