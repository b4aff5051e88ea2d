package server

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kehai/internal/storage"
)

// Notifier is the LISTEN side of Postgres notifications. *storage.DB
// implements it.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Dispatcher receives raw perception event payloads.
type Dispatcher interface {
	DispatchJSON(payload []byte) error
}

const (
	brokerMinBackoff = 100 * time.Millisecond
	brokerMaxBackoff = 5 * time.Second
)

// Broker forwards perception notifications from Postgres to the
// perception hub. Every replica runs one, so an event committed through any
// replica reaches subscribers connected to this one.
type Broker struct {
	db     Notifier
	hub    Dispatcher
	logger *slog.Logger

	running atomic.Bool
}

// NewBroker creates a broker. Call Start to begin listening.
func NewBroker(db Notifier, hub Dispatcher, logger *slog.Logger) *Broker {
	return &Broker{db: db, hub: hub, logger: logger}
}

// Running reports whether the broker is currently listening.
func (b *Broker) Running() bool {
	return b.running.Load()
}

// Start listens on the perception channel and dispatches each payload.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	backoff := brokerMinBackoff
	for ctx.Err() == nil {
		if err := b.db.Listen(ctx, storage.ChannelPerception); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Error("broker: listen perception", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, brokerMaxBackoff)
			continue
		}

		b.running.Store(true)
		b.logger.Info("broker: listening for notifications", "channel", storage.ChannelPerception)
		backoff = b.loop(ctx, backoff)
		b.running.Store(false)
	}
}

// loop consumes notifications until the connection fails repeatedly or ctx
// ends. A failure run long enough to hit the max backoff returns so Start
// can re-issue LISTEN.
func (b *Broker) loop(ctx context.Context, backoff time.Duration) time.Duration {
	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff
			}
			b.logger.Warn("broker: notification error, retrying", "error", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return backoff
			}
			if backoff >= brokerMaxBackoff {
				return backoff
			}
			backoff = min(backoff*2, brokerMaxBackoff)
			continue
		}
		backoff = brokerMinBackoff

		if channel != storage.ChannelPerception {
			continue
		}
		if err := b.hub.DispatchJSON([]byte(payload)); err != nil {
			b.logger.Warn("broker: dropping malformed perception payload", "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
