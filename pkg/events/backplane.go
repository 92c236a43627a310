package events

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/mosaiclabs/mosaic/pkg/config"
)

// Handler receives raw backplane payloads for a channel.
type Handler func(channel string, payload []byte)

// Backplane carries event notifications across processes. The local
// bus always delivers in-process; the backplane exists so another pod
// can serve the subscriber.
type Backplane interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)

	// SetHandler installs the receive callback. Must be called before
	// Start.
	SetHandler(h Handler)

	// NotifyTx publishes inside the event's transaction on transports
	// that support it (pg_notify is held until COMMIT). Transports
	// without transactional publish no-op here and rely on
	// PublishCommitted.
	NotifyTx(ctx context.Context, tx *sql.Tx, channel string, payload []byte) error

	// PublishCommitted publishes after the event transaction committed.
	PublishCommitted(ctx context.Context, channel string, payload []byte) error

	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// NewBackplane builds the configured backplane. Mode none yields a
// no-op implementation; subscribers then rely on the in-process bus
// and store polling alone.
func NewBackplane(cfg *config.BackplaneConfig, redisCfg *config.RedisConfig, pgConnString string) (Backplane, error) {
	if cfg == nil || cfg.Mode == config.BackplaneModeNone {
		return NoopBackplane{}, nil
	}
	switch cfg.Driver {
	case config.BackplaneDriverPostgres:
		return NewPostgresBackplane(pgConnString), nil
	case config.BackplaneDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Addr,
			Password: os.Getenv(redisCfg.PasswordEnv),
			DB:       redisCfg.DB,
		})
		return NewRedisBackplane(client), nil
	default:
		return nil, fmt.Errorf("unknown backplane driver %q", cfg.Driver)
	}
}

// NoopBackplane is the mode-none backplane: no cross-process fan-out.
type NoopBackplane struct{}

func (NoopBackplane) Start(context.Context) error { return nil }
func (NoopBackplane) Stop(context.Context)        {}
func (NoopBackplane) SetHandler(Handler)          {}
func (NoopBackplane) NotifyTx(context.Context, *sql.Tx, string, []byte) error {
	return nil
}
func (NoopBackplane) PublishCommitted(context.Context, string, []byte) error {
	return nil
}
func (NoopBackplane) Subscribe(context.Context, string) error   { return nil }
func (NoopBackplane) Unsubscribe(context.Context, string) error { return nil }
