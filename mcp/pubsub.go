package mcp

import (
	"context"

	"github.com/cskr/pubsub"
)

// ChangeBus fans a server's list-changed events out to every attached
// ServerSession, grounded in the teacher's changeAndNotify: a server-side
// registry (tools, prompts, resources) calls Publish when its contents
// change, and each session's forwarding goroutine turns that into a
// notifications/*/list_changed message for its own client.
type ChangeBus struct {
	ps *pubsub.PubSub
}

// NewChangeBus returns a ChangeBus. capacity bounds how many pending
// publications a slow subscriber can fall behind by before Publish blocks.
func NewChangeBus(capacity int) *ChangeBus {
	return &ChangeBus{ps: pubsub.New(capacity)}
}

// Publish announces that the list under cap changed.
func (b *ChangeBus) Publish(cap Capability) {
	b.ps.Pub(struct{}{}, string(cap))
}

// Subscribe returns a channel that receives a value every time cap is
// published, until ctx is done, at which point the channel is closed and
// the subscription torn down.
func (b *ChangeBus) Subscribe(ctx context.Context, cap Capability) <-chan struct{} {
	topic := string(cap)
	raw := b.ps.Sub(topic)
	out := make(chan struct{})
	go func() {
		defer close(out)
		defer b.ps.Unsub(raw, topic)
		for {
			select {
			case _, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
