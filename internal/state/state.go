// Package state keeps a registry of relay sessions for the dashboard and API.
// The relay core never reads it back.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"
)

// SessionInfo describes a live relay session.
type SessionInfo struct {
	ID      string    `json:"id"`
	Client  string    `json:"client"`
	Started time.Time `json:"started"`
}

// SessionResult is recorded once a session has ended.
type SessionResult struct {
	ID        string
	BytesUp   int64 // client->upstream
	BytesDown int64 // upstream->client
	Failed    bool
}

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Active        int   `json:"active"`
	TotalSessions int64 `json:"total_sessions"`
	BytesUp       int64 `json:"bytes_up"`
	BytesDown     int64 `json:"bytes_down"`
	Failed        int64 `json:"failed"`
}

// Store abstracts session bookkeeping so several relay instances can share totals.
type Store interface {
	SessionOpened(info SessionInfo)
	SessionClosed(res SessionResult)
	Snapshot() Snapshot
	SetReady(ready bool)
	SetClosing(closing bool)
	IsReady() bool
	IsClosing() bool
	// Close releases the backend. It blocks until shutdown work is done or
	// ctx expires.
	Close(ctx context.Context) error
}

// NewSessionID returns a random hex identifier of n bytes (2n chars).
func NewSessionID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(b)
}
