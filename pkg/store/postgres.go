// Package store opens the orchestrator's backing stores: the Postgres
// pool, the Redis client used for replay guards and rate limits, and the
// agent's local SQLite ledger.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig = pgxpool.NewWithConfig
	postgresSleep        = time.Sleep
)

// PoolOptions bounds pool sizing and startup retries. Zero values take the
// defaults from DefaultPoolOptions.
type PoolOptions struct {
	MaxConns    int32
	MinConns    int32
	Retries     int
	RetryDelay  time.Duration
	PingTimeout time.Duration
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxConns:    envInt32("DATABASE_MAX_CONNS", 10),
		MinConns:    1,
		Retries:     envInt("DATABASE_CONNECT_RETRIES", 30),
		RetryDelay:  2 * time.Second,
		PingTimeout: 2 * time.Second,
	}
}

// NewPostgresPool connects using DATABASE_URL (or the DATABASE_* parts) and
// retries until the database answers a ping.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	return OpenPostgres(ctx, "", DefaultPoolOptions())
}

// OpenPostgres is NewPostgresPool with an explicit dsn and options. An
// empty dsn is resolved from the environment.
func OpenPostgres(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	def := DefaultPoolOptions()
	if opts.MaxConns <= 0 {
		opts.MaxConns = def.MaxConns
	}
	if opts.MinConns <= 0 {
		opts.MinConns = def.MinConns
	}
	if opts.Retries <= 0 {
		opts.Retries = 1
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = def.PingTimeout
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnIdleTime = 5 * time.Minute
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = applicationName()

	var lastErr error
	for i := 0; i < opts.Retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(opts.RetryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(opts.RetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func applicationName() string {
	if v := strings.TrimSpace(os.Getenv("SERVICE_NAME")); v != "" {
		return v
	}
	return "ransomeye"
}

func defaultPostgresURL() string {
	user := envString("DATABASE_USER", "ransomeye")
	host := envString("DATABASE_HOST", "localhost")
	port := envString("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envString("DATABASE_NAME", "ransomeye"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envString("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return def
}

func envInt32(key string, def int32) int32 {
	return int32(envInt(key, int(def)))
}
