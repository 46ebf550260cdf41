// Package bus carries encoded protocol messages between actors over named
// broadcast groups. Every subscriber of a group receives every message
// published to it; delivery is asynchronous and unordered across groups.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/memclaw/pkg/protocol"
)

// ErrClosed is returned when publishing on or subscribing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives one raw payload. It runs on its own goroutine.
type Handler func(ctx context.Context, data []byte)

// Bus is a group-addressed publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, group string, data []byte) error
	// Subscribe registers h on group and returns a function that removes it.
	Subscribe(group string, h Handler) (unsubscribe func(), err error)
	Close() error
}

// Send encodes msg and publishes it to group, asking for replies on replyTo.
func Send(ctx context.Context, b Bus, group string, msg protocol.Message, replyTo string) error {
	data, err := protocol.Encode(msg, protocol.Meta{ReplyTo: replyTo, SentAt: time.Now()})
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if err := b.Publish(ctx, group, data); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Kind(), group, err)
	}
	return nil
}
