package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"trigger_engine/internal/core"
	"trigger_engine/pkg/retry"

	"github.com/jackc/pgx/v5/pgxpool"
)

const triggerChannel = "trigger_changes"

// notifyPayload is the JSON the row trigger emits on NOTIFY.
type notifyPayload struct {
	Action string `json:"action"`
	ID     string `json:"id"`
}

// ChangeHandler consumes one external trigger mutation.
type ChangeHandler func(core.ChangeEvent)

// Listener repairs the in-memory index from the store's change feed.
// It holds a dedicated connection on LISTEN and survives connection
// loss by reacquiring with backoff; the engine reloads on resume so a
// notification missed while down cannot be lost for good.
type Listener struct {
	pool    *pgxpool.Pool
	store   *Store
	handler ChangeHandler
	logger  core.ILogger

	// onResync fires after every (re)establishment of the LISTEN
	// connection, so the owner can reload the full set.
	onResync func()
}

// NewListener creates a change listener over the store's pool.
func NewListener(s *Store, handler ChangeHandler, logger core.ILogger) *Listener {
	return &Listener{
		pool:    s.Pool(),
		store:   s,
		handler: handler,
		logger:  logger.WithField("component", "change_listener"),
	}
}

// SetOnResync installs the full-reload hook.
func (l *Listener) SetOnResync(fn func()) {
	l.onResync = fn
}

// Run blocks consuming notifications until the context ends.
func (l *Listener) Run(ctx context.Context) error {
	policy := retry.RetryPolicy{
		MaxAttempts:    1 << 30,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}

	transient := func(err error) bool {
		return ctx.Err() == nil
	}

	return retry.Do(ctx, policy, transient, func() error {
		if err := l.listenOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("Change listener connection lost, reacquiring", "error", err)
			return err
		}
		return nil
	})
}

func (l *Listener) listenOnce(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+triggerChannel); err != nil {
		return fmt.Errorf("subscribing to %s: %w", triggerChannel, err)
	}

	l.logger.Info("Change listener attached", "channel", triggerChannel)
	if l.onResync != nil {
		l.onResync()
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		l.dispatch(ctx, notification.Payload)
	}
}

func (l *Listener) dispatch(ctx context.Context, payload string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil || p.ID == "" {
		l.logger.Warn("Unparseable change notification skipped", "payload", payload)
		return
	}

	ev := core.ChangeEvent{
		Action: core.ChangeAction(p.Action),
		ID:     p.ID,
	}

	// DELETE carries no row. For the rest the row is re-read so the
	// event always reflects the store's current truth, not the
	// notification's snapshot.
	if ev.Action != core.ChangeDelete {
		t, err := l.store.GetTrigger(ctx, p.ID)
		if err != nil {
			l.logger.Error("Failed to load changed trigger, event dropped", "id", p.ID, "error", err)
			return
		}
		if t == nil {
			ev.Action = core.ChangeDelete
		}
		ev.Trigger = t
	}

	if l.handler != nil {
		l.handler(ev)
	}
}
