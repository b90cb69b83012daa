// Package creds persists per-session authentication material: the pairing
// identity plus any signal-protocol state categories the transport asks us
// to keep. Records are binary-safe JSON blobs addressed by a flat key.
//
// Key scheme:
//
//	creds-<sessionID>            root record (pairing identity)
//	<category>-<id>-<sessionID>  category records (pre-keys, app-state-sync
//	                             keys, sender keys, ...)
package creds

import (
	"context"
	"fmt"
)

// Store is the credential persistence surface used by sessions and the
// transport layer.
type Store interface {
	// Read returns the blob stored under key, reporting absence via the
	// second return value rather than an error.
	Read(ctx context.Context, key string) ([]byte, bool, error)

	// Write upserts the blob under key.
	Write(ctx context.Context, key string, data []byte) error

	// Delete removes a single record. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key string) error

	// Wipe removes every record belonging to a session. Called on a
	// logged-out disconnect: stale credentials would otherwise send the
	// next initialization into an endless pairing loop.
	Wipe(ctx context.Context, sessionID string) error
}

// RootKey builds the key of a session's root credential record.
func RootKey(sessionID string) string {
	return fmt.Sprintf("creds-%s", sessionID)
}

// CategoryKey builds the key of a category credential record.
func CategoryKey(category, id, sessionID string) string {
	return fmt.Sprintf("%s-%s-%s", category, id, sessionID)
}
