// Package messenger is the named-subject publish/subscribe bus used as a
// wake hint for tailing readers. Subjects are opaque strings; payloads
// are opaque too — only arrival matters, so a Subscribe channel carries
// struct{}, never the payload bytes. Delivery is best-effort: callers
// must treat the store, not the messenger, as ground truth.
package messenger

import "context"

// Subject namespace used across the build-state subsystem.
const (
	SubjectChildrenSuffix = "children"
	SubjectLogSuffix      = "log"
	SubjectStatusSuffix   = "status"
)

// Messenger is a lossy, best-effort publish/subscribe bus.
type Messenger interface {
	// Publish is fire-and-forget; it is safe to call from any
	// concurrency context and never blocks on a slow subscriber.
	Publish(ctx context.Context, subject string, payload []byte) error

	// Subscribe returns a channel that receives a notification when
	// messages are published on subject (payload contents discarded), plus
	// an unsubscribe function the caller must call when done. Notifications
	// that arrive while one is still pending may be coalesced or dropped.
	// The channel is closed once unsubscribe runs or ctx is canceled.
	Subscribe(ctx context.Context, subject string) (<-chan struct{}, func(), error)
}
