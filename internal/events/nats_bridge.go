package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	nc "github.com/nats-io/nats.go"
)

// NATSPublisher bridges the event stream to an external NATS subject, so
// out-of-process subscribers can consume the same lifecycle events a local
// Bus.Subscribe caller would see (spec §6, DOMAIN STACK: "optional
// NATSPublisher that bridges the core's sequenced event stream ... to a
// subject for out-of-process transports").
//
// Adapted from internal/nats/client.go's Client wrapper in the wider
// CLIAIMONITOR product: same reconnect-indefinitely option set, generalized
// from a general-purpose request/reply wrapper down to the one operation the
// bridge needs, publish-by-subject.
type NATSPublisher struct {
	conn          *nc.Conn
	subjectPrefix string
	logger        *log.Logger
}

// NewNATSPublisher dials url and returns a publisher that prefixes every
// subject with subjectPrefix (e.g. "coordinator.events").
func NewNATSPublisher(url, subjectPrefix string, logger *log.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	opts := []nc.Option{
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Printf("[EVENTS:NATS] disconnected: %v", err)
			}
		}),
		nc.ReconnectHandler(func(c *nc.Conn) {
			logger.Printf("[EVENTS:NATS] reconnected to %s", c.ConnectedUrl())
		}),
	}
	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix, logger: logger}, nil
}

// Close closes the underlying connection without draining it first.
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}

// Publish marshals ev as JSON and publishes it to
// "<subjectPrefix>.<EventType>".
func (p *NATSPublisher) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event seq=%d for nats: %w", ev.Sequence, err)
	}
	subject := p.subjectPrefix + "." + string(ev.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish event seq=%d to %s: %w", ev.Sequence, subject, err)
	}
	return nil
}

// BridgeToNATS subscribes to bus for the given types (all types when empty)
// and forwards every delivered Event to pub, until ctx is cancelled. It runs
// in the caller's goroutine; callers typically launch it with `go`.
func BridgeToNATS(ctx context.Context, bus *Bus, pub *NATSPublisher, types ...Type) {
	id, ch := bus.Subscribe(256, types...)
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := pub.Publish(ev); err != nil {
				pub.logger.Printf("[EVENTS:NATS] bridge publish failed for seq=%d: %v", ev.Sequence, err)
			}
		}
	}
}
