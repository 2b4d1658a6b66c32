// Package bridge forwards events the backend publishes on the bus to the
// rooms their channels name.
//
// Delivery is fire-and-forget: a message for a room with no members is
// dropped, nothing is buffered or retried, and messages are handed to the
// emitter in the order the bus delivers them.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/bus"
)

// Subscriber is the bus side of the bridge.
type Subscriber interface {
	Subscribe(ctx context.Context, pattern string) (<-chan bus.Message, error)
}

// Emitter delivers an event to every connection currently in room.
type Emitter interface {
	EmitToRoom(room, event string, data json.RawMessage)
}

// Bridge drains one pattern subscription into an Emitter.
type Bridge struct {
	prefix  string
	sub     Subscriber
	emitter Emitter
	log     *zap.Logger
}

// New returns a Bridge for channels under prefix.
func New(prefix string, sub Subscriber, emitter Emitter, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		prefix:  prefix,
		sub:     sub,
		emitter: emitter,
		log:     log.Named("bridge"),
	}
}

// Run subscribes and forwards messages until ctx ends. It returns an error
// if the subscription cannot be established or ends while ctx is live.
func (b *Bridge) Run(ctx context.Context) error {
	pattern := ChannelPattern(b.prefix)
	messages, err := b.sub.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", pattern, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("bus subscription closed")
			}
			b.Handle(msg)
		}
	}
}

// Handle forwards a single bus message and reports whether it was emitted.
// Malformed channels and envelopes are logged and dropped.
func (b *Bridge) Handle(msg bus.Message) (emitted bool) {
	log := b.log.With(zap.String("channel", msg.Channel))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Recovered from panic while forwarding bus message", zap.Any("panic", r))
			emitted = false
		}
	}()

	target, err := ParseChannel(b.prefix, msg.Channel)
	if err != nil {
		log.Warn("Dropping bus message", zap.Error(err))
		return false
	}

	env, err := DecodeEnvelope([]byte(msg.Payload))
	if err != nil {
		log.Warn("Dropping bus message", zap.Error(err))
		return false
	}

	room := target.Room()
	log.Debug("Forwarding bus event", zap.String("room", room), zap.String("event", env.Event))
	b.emitter.EmitToRoom(room, env.Event, env.Data)
	return true
}
