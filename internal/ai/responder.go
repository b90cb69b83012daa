package ai

import (
	"context"
	"strings"
	"time"

	. "github.com/zapfleet/zapfleet/internal/logging"
)

// DefaultTTL is how long a cached response stays valid.
const DefaultTTL = time.Minute

// Responder answers user messages with cached or freshly generated AI
// completions. Failures never propagate to the end user: the degraded mode
// is silence, not an error message.
type Responder struct {
	cache        Cache
	completer    Completer
	systemPrompt string
	ttl          time.Duration
}

// NewResponder wires a responder. A non-positive ttl falls back to
// DefaultTTL.
func NewResponder(cache Cache, completer Completer, systemPrompt string, ttl time.Duration) *Responder {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Responder{
		cache:        cache,
		completer:    completer,
		systemPrompt: systemPrompt,
		ttl:          ttl,
	}
}

// Reply produces the response for a message. commandID is the matched
// command ("" for the session's default fallback), prompt the per-command
// AI instructions and staticOutput the command's configured reply text,
// both folded into the system prompt. Returns ok=false when there is
// nothing to say: cache and upstream both empty-handed, or the upstream
// call failed.
func (r *Responder) Reply(ctx context.Context, sessionID, commandID, prompt, staticOutput, message string) (string, bool) {
	key := Key(sessionID, commandID)

	if cached, hit, err := r.cache.Get(ctx, key); err != nil {
		L_warn("ai: cache read failed", "session", sessionID, "error", err)
	} else if hit {
		L_debug("ai: cache hit", "session", sessionID, "command", commandID)
		return cached, true
	}

	text, err := r.completer.Complete(ctx, r.buildSystemPrompt(prompt, staticOutput), message)
	if err != nil {
		L_warn("ai: completion failed, staying silent", "session", sessionID, "error", err)
		return "", false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		L_debug("ai: empty completion, staying silent", "session", sessionID)
		return "", false
	}

	if err := r.cache.Set(ctx, key, text, r.ttl); err != nil {
		// The reply is still good, the next identical question just pays
		// for another completion.
		L_warn("ai: cache write failed", "session", sessionID, "error", err)
	}
	return text, true
}

// buildSystemPrompt folds the per-command instructions and static output
// into the session-wide system prompt.
func (r *Responder) buildSystemPrompt(prompt, staticOutput string) string {
	parts := make([]string, 0, 3)
	if r.systemPrompt != "" {
		parts = append(parts, r.systemPrompt)
	}
	if prompt != "" {
		parts = append(parts, prompt)
	}
	if staticOutput != "" {
		parts = append(parts, "Contexto adicional: "+staticOutput)
	}
	return strings.Join(parts, "\n\n")
}
