package room

import "context"

// Handle describes a live media room a session can bind to.
type Handle struct {
	Name string `json:"name"`
	SID  string `json:"sid,omitempty"`
	URL  string `json:"url,omitempty"`
}

// Provider creates or fetches rooms. EnsureRoom is idempotent: an existing
// room with the same name is returned as-is.
type Provider interface {
	EnsureRoom(ctx context.Context, name string, metadata map[string]string) (Handle, error)
}
