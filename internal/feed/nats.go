// Package feed carries raw account updates over NATS, as an alternative to
// direct RPC websocket subscriptions.
//
// Subjects are <prefix>.<pubkey>; the message body is the raw account data.
// A closed account is published with an empty body and the ClosedHeader set.
package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"vault-state-engine/internal/domain"
)

// ClosedHeader marks an update for an account that no longer exists.
const ClosedHeader = "Vault-Account-Closed"

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "vault.accounts"

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats connection closed")

// Subject returns the subject carrying updates for pubkey.
func Subject(prefix, pubkey string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return prefix + "." + pubkey
}

// Connect opens a NATS connection that reconnects indefinitely.
func Connect(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vault-state-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// NATSWatcher implements the account watch contract over NATS subjects.
type NATSWatcher struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// NewNATSWatcher creates a watcher on nc.
func NewNATSWatcher(nc *nats.Conn, prefix string, logger zerolog.Logger) *NATSWatcher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSWatcher{nc: nc, prefix: prefix, log: logger}
}

// Watch subscribes to pubkey's subject. handler runs on the subscription's
// delivery goroutine; nil data means the account was closed.
func (w *NATSWatcher) Watch(_ context.Context, pubkey string, handler func([]byte)) (func(), error) {
	subject := Subject(w.prefix, pubkey)

	sub, err := w.nc.Subscribe(subject, func(msg *nats.Msg) {
		if msg.Header.Get(ClosedHeader) == "true" {
			handler(nil)
			return
		}
		data := msg.Data
		if data == nil {
			data = []byte{}
		}
		handler(data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Make sure the server knows about the interest before returning.
	if err := w.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush %s: %w", subject, err)
	}

	w.log.Debug().Str("subject", subject).Msg("watching")

	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			w.log.Debug().Err(err).Str("subject", subject).Msg("unsubscribe failed")
		}
	}, nil
}

// Publisher publishes account updates for NATSWatcher consumers.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// NewPublisher creates a publisher on nc.
func NewPublisher(nc *nats.Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: prefix}
}

// Publish sends data for pubkey. A nil data publishes a closed marker.
func (p *Publisher) Publish(pubkey string, data []byte) error {
	if p.nc.IsClosed() {
		return ErrNotConnected
	}
	msg := nats.NewMsg(Subject(p.prefix, pubkey))
	if data == nil {
		msg.Header.Set(ClosedHeader, "true")
	} else {
		msg.Data = data
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Relay returns a cache listener that republishes every applied entry.
// Only entries carrying raw bytes or explicit closures are forwarded. A key
// removed from the cache is forwarded as a closed marker, so consumers drop
// values that were reverted.
func (p *Publisher) Relay(logger zerolog.Logger) func(domain.CacheEntry) {
	return func(e domain.CacheEntry) {
		if !e.Removed && e.Raw == nil && e.Value != nil {
			return
		}
		if err := p.Publish(e.Key, e.Raw); err != nil {
			logger.Warn().Err(err).Str("key", e.Key).Msg("relay publish failed")
		}
	}
}
