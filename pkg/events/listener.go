package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// listenCmd is a LISTEN/UNLISTEN command executed by the receive loop,
// which is the sole goroutine touching the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// PostgresBackplane publishes with transactional pg_notify and
// receives on a dedicated LISTEN connection. A NOTIFY issued inside
// the event transaction is held until COMMIT, so receivers never see
// an event that was rolled back.
type PostgresBackplane struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex
	handler    Handler

	channels   map[string]bool
	channelsMu sync.RWMutex

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop; mixing
	// Exec with WaitForNotification on one pgx connection races.
	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewPostgresBackplane creates a backplane over the given connection
// string. The connection is established by Start.
func NewPostgresBackplane(connString string) *PostgresBackplane {
	return &PostgresBackplane{
		connString: connString,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// SetHandler installs the receive callback. Must be called before
// Start.
func (b *PostgresBackplane) SetHandler(h Handler) {
	b.handler = h
}

// NotifyTx issues pg_notify inside the caller's transaction.
func (b *PostgresBackplane) NotifyTx(ctx context.Context, tx *sql.Tx, channel string, payload []byte) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// PublishCommitted is a no-op: the transactional NOTIFY already covers
// delivery.
func (b *PostgresBackplane) PublishCommitted(context.Context, string, []byte) error {
	return nil
}

// Start establishes the dedicated LISTEN connection and begins
// receiving notifications.
func (b *PostgresBackplane) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, b.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	b.connMu.Lock()
	b.conn = conn
	b.connMu.Unlock()

	b.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancelLoop = cancel
	b.loopDone = make(chan struct{})
	go func() {
		defer close(b.loopDone)
		b.receiveLoop(loopCtx)
	}()

	slog.Info("Postgres backplane started")
	return nil
}

// Subscribe sends LISTEN for a channel on the dedicated connection.
func (b *PostgresBackplane) Subscribe(ctx context.Context, channel string) error {
	b.channelsMu.Lock()
	if b.channels[channel] {
		b.channelsMu.Unlock()
		return nil
	}
	b.channelsMu.Unlock()

	if !b.running.Load() {
		return fmt.Errorf("LISTEN connection not established")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := b.exec(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
	}

	b.channelsMu.Lock()
	b.channels[channel] = true
	b.channelsMu.Unlock()
	slog.Debug("Subscribed to NOTIFY channel", "channel", channel)
	return nil
}

// Unsubscribe sends UNLISTEN for a channel.
func (b *PostgresBackplane) Unsubscribe(ctx context.Context, channel string) error {
	b.channelsMu.Lock()
	if !b.channels[channel] {
		b.channelsMu.Unlock()
		return nil
	}
	b.channelsMu.Unlock()

	if !b.running.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := b.exec(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s failed: %w", sanitized, err)
	}

	b.channelsMu.Lock()
	delete(b.channels, channel)
	b.channelsMu.Unlock()
	return nil
}

// exec routes a LISTEN/UNLISTEN command through the receive loop.
func (b *PostgresBackplane) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}

	select {
	case b.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop continuously receives notifications and dispatches them
// to the handler. Sole user of the pgx connection.
func (b *PostgresBackplane) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		b.processPendingCmds(ctx)

		b.connMu.Lock()
		conn := b.conn
		b.connMu.Unlock()

		if conn == nil {
			b.reconnect(ctx)
			continue
		}

		// Short timeout so pending LISTEN/UNLISTEN commands get
		// processed between waits.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			b.reconnect(ctx)
			continue
		}

		if b.handler != nil {
			b.handler(notification.Channel, []byte(notification.Payload))
		}
	}
}

func (b *PostgresBackplane) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-b.cmdCh:
			b.connMu.Lock()
			conn := b.conn
			b.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect re-establishes the LISTEN connection with backoff and
// re-subscribes every channel.
func (b *PostgresBackplane) reconnect(ctx context.Context) {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, b.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		b.conn = conn

		b.channelsMu.RLock()
		for ch := range b.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		b.channelsMu.RUnlock()

		slog.Info("Postgres backplane reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// LISTEN connection.
func (b *PostgresBackplane) Stop(ctx context.Context) {
	b.running.Store(false)

	if b.cancelLoop != nil {
		b.cancelLoop()
	}
	if b.loopDone != nil {
		<-b.loopDone
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(ctx)
		b.conn = nil
	}
}
