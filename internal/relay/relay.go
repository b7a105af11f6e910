// Package relay bridges an optional NATS subject into a channel's
// broadcast path, letting other processes fan messages out through the
// engine without holding a socket open to any of its channels directly.
package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"channeld/internal/channel"
	"channeld/internal/config"
)

// relayEnvelope is the shape expected on the NATS subject: the event tag
// and payload to re-emit, verbatim, to every client of the target
// channel.
type relayEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay subscribes to a NATS subject and re-emits every message received
// on it into a target channel's EmitAll.
type Relay struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *zap.Logger
}

// Connect dials cfg.URL. A disabled config (cfg.Enabled == false) is not
// an error; callers should check before calling Connect.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*Relay, error) {
	nc, err := nats.Connect(cfg.URL, nats.MaxReconnects(5), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("relay: connect to nats: %w", err)
	}
	return &Relay{conn: nc, logger: logger}, nil
}

// Subscribe starts forwarding every message on subject into target's
// EmitAll. Only one subscription is active per Relay; a second call
// replaces the first.
func (r *Relay) Subscribe(subject string, target *channel.Channel) error {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}

	sub, err := r.conn.Subscribe(subject, func(msg *nats.Msg) {
		var env relayEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			if r.logger != nil {
				r.logger.Warn("relay: dropping malformed message", zap.String("subject", subject), zap.Error(err))
			}
			return
		}
		target.EmitAll(env.Event, env.Data)
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe to %s: %w", subject, err)
	}
	r.sub = sub

	if r.logger != nil {
		r.logger.Info("relay subscribed", zap.String("subject", subject), zap.String("channel_id", target.ID().String()))
	}
	return nil
}

// Publish sends data tagged event onto subject, for hosts that want to
// fan a local event out to other processes sharing the same NATS
// deployment.
func (r *Relay) Publish(subject, event string, data json.RawMessage) error {
	payload, err := json.Marshal(relayEnvelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	return r.conn.Publish(subject, payload)
}

// Close unsubscribes and closes the underlying NATS connection.
func (r *Relay) Close() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}
