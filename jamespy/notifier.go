package jamespy

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"log/slog"
	"time"
)

const (
	pgChannelReloadConfig = "jamespy_reload_runtime_config"
	pgChannelStop         = "jamespy_stop"
)

var (
	dbNotifierSendTimeout = 15 * time.Second
	pgListenRetryDelay    = 5 * time.Second
)

// DBNotifier signals every bot instance sharing the database to reload
// its runtime configuration, or to stop.
type DBNotifier interface {
	// ID identifies this notifier. Notifications carrying our own ID
	// are ignored by Listen.
	ID() string

	// Channels returns the channels Listen should be started for.
	// Empty when notifications never leave this process.
	Channels() []string

	// Listen blocks, forwarding notifications on channel to the bot
	// until ctx is done
	Listen(ctx context.Context, channel string) error

	ReloadRuntimeConfig(ctx context.Context) bool
	Stop(ctx context.Context) bool
}

func newDBNotifier(d *Jamespy) (DBNotifier, error) {
	id := uuid.NewString()
	logger := d.logger.With(loggerNameKey, "db_notifier", "notify_id", id)

	switch d.config.DatabaseType {
	case dbTypeSQLite:
		return &localNotifier{id: id, d: d, logger: logger}, nil
	case dbTypePostgres:
		return &pgNotifier{id: id, d: d, logger: logger}, nil
	default:
		return nil, errors.New("invalid database type")
	}
}

// forward sends v on ch, giving up when ctx is done
func forward[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// localNotifier only reaches this process. sqlite has no LISTEN/NOTIFY.
type localNotifier struct {
	id     string
	d      *Jamespy
	logger *slog.Logger
}

func (n *localNotifier) ID() string {
	return n.id
}

func (*localNotifier) Channels() []string {
	return nil
}

func (*localNotifier) Listen(context.Context, string) error {
	return nil
}

func (n *localNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	if !forward(ctx, n.d.triggerRuntimeConfigRefreshCh, true) {
		n.logger.WarnContext(ctx, "timed out requesting runtime config refresh")
		return false
	}
	return true
}

func (n *localNotifier) Stop(ctx context.Context) bool {
	n.logger.InfoContext(ctx, "sending stop signal")
	if !forward(ctx, n.d.signalStop, struct{}{}) {
		n.logger.WarnContext(ctx, "timed out sending stop signal")
		return false
	}
	return true
}

// pgNotifier uses postgres NOTIFY, so every instance connected to the
// same database gets the signal
type pgNotifier struct {
	id     string
	d      *Jamespy
	logger *slog.Logger
}

func (n *pgNotifier) ID() string {
	return n.id
}

func (*pgNotifier) Channels() []string {
	return []string{pgChannelReloadConfig, pgChannelStop}
}

func (n *pgNotifier) ReloadRuntimeConfig(ctx context.Context) bool {
	return n.publish(ctx, pgChannelReloadConfig)
}

func (n *pgNotifier) Stop(ctx context.Context) bool {
	return n.publish(ctx, pgChannelStop)
}

func (n *pgNotifier) publish(ctx context.Context, channel string) bool {
	err := n.d.writeDB.DB().WithContext(ctx).Exec("SELECT pg_notify(?, ?)", channel, n.id).Error
	if err != nil {
		n.logger.ErrorContext(ctx, "error sending notification", "channel", channel, tint.Err(err))
		return false
	}
	n.logger.InfoContext(ctx, "sent notification", "channel", channel)
	return true
}

// deliver hands a notification received on channel to the bot
func (n *pgNotifier) deliver(ctx context.Context, channel string) bool {
	ctx, cancel := context.WithTimeout(ctx, dbNotifierSendTimeout)
	defer cancel()

	switch channel {
	case pgChannelReloadConfig:
		return forward(ctx, n.d.triggerRuntimeConfigRefreshCh, true)
	case pgChannelStop:
		return forward(ctx, n.d.signalStop, struct{}{})
	default:
		return false
	}
}

func (n *pgNotifier) Listen(ctx context.Context, channel string) error {
	logger := n.logger.With("channel", channel)

	config, err := pgxpool.ParseConfig(n.d.config.Database)
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return err
	}
	defer pool.Close()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	logger.InfoContext(ctx, "listening for notifications")

	for ctx.Err() == nil {
		notification, waitErr := conn.Conn().WaitForNotification(ctx)
		if waitErr != nil {
			if ctx.Err() != nil {
				break
			}
			logger.ErrorContext(ctx, "error waiting for notification", tint.Err(waitErr))
			select {
			case <-ctx.Done():
			case <-time.After(pgListenRetryDelay):
			}
			continue
		}
		if notification.Payload == n.id {
			logger.DebugContext(ctx, "ignoring our own notification")
			continue
		}
		logger.InfoContext(ctx, "received notification", "payload", notification.Payload)
		if !n.deliver(ctx, notification.Channel) {
			logger.WarnContext(ctx, "notification not delivered", "payload", notification.Payload)
		}
	}
	return nil
}
