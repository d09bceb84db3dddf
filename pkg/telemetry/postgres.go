package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/blazingdb/ral/pkg/logging"
)

// PostgresConfig configures a PostgresSink, following the same
// connection-string/pool-size/timeout/migrations-path shape the teacher
// uses for its own Postgres-backed store.
type PostgresConfig struct {
	ConnectionString string
	MaxConnections   int32
	ConnectTimeout   time.Duration
	MigrationsPath   string
}

// PostgresSink persists TaskEvents to a `task_events` Postgres table.
// Record never talks to the database directly: it enqueues onto a
// buffered channel drained by a single background goroutine, so a slow or
// momentarily unreachable database does not stall the kernel task that
// produced the event until that 1024-event buffer is full (see Record). This outbox-style decoupling is this repo's own
// addition on top of the teacher's synchronous ComplianceDatabase — the
// teacher's store is written to from request handlers that can afford to
// block; a kernel's DoProcess cannot.
//
// Grounded on pkg/compliance/storage/postgres/database.go's pgxpool +
// golang-migrate + lib/pq wiring (connection setup, migration
// application), adapted from a general compliance-record store to this
// package's single task-event table.
type PostgresSink struct {
	pool   *pgxpool.Pool
	events chan TaskEvent
	done   chan struct{}
	logger *logging.Logger
}

// NewPostgresSink validates cfg, applies defaults, opens a connection
// pool, and pings it before returning. It does not run migrations — call
// Migrate explicitly, the same separation the teacher's database package
// draws between NewComplianceDatabase and MigrateToLatest.
func NewPostgresSink(ctx context.Context, cfg PostgresConfig, logger *logging.Logger) (*PostgresSink, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("telemetry: connection string is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.New(logging.DefaultConfig()).WithComponent("telemetry")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("telemetry: parse connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConnections

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("telemetry: ping database: %w", err)
	}

	s := &PostgresSink{
		pool:   pool,
		events: make(chan TaskEvent, 1024),
		done:   make(chan struct{}),
		logger: logger,
	}
	go s.drain()
	return s, nil
}

// Migrate applies every pending schema migration under migrationsPath
// (a "file://" URL), creating task_events if it does not already exist.
// migrate.ErrNoChange is treated as success, matching MigrateToLatest's
// handling in the teacher's database package.
func (s *PostgresSink) Migrate(connectionString, migrationsPath string) error {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return fmt.Errorf("telemetry: open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("telemetry: create migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("telemetry: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("telemetry: apply migrations: %w", err)
	}
	return nil
}

// Record enqueues ev for asynchronous persistence. It blocks only if the
// internal buffer is full, which means the database has fallen far behind
// the rate tasks are completing.
func (s *PostgresSink) Record(ctx context.Context, ev TaskEvent) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *PostgresSink) drain() {
	for ev := range s.events {
		if err := s.insert(context.Background(), ev); err != nil {
			s.logger.Error("failed to persist task event", map[string]interface{}{
				"kernel_id":  ev.KernelID,
				"event_type": string(ev.EventType),
				"error":      err.Error(),
			})
		}
	}
	close(s.done)
}

func (s *PostgresSink) insert(ctx context.Context, ev TaskEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_events (
			ral_id, query_id, kernel_id, input_num_rows, input_num_bytes,
			output_num_rows, output_num_bytes, event_type,
			timestamp_begin, timestamp_end
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		ev.RalID, ev.QueryID, ev.KernelID,
		ev.InputNumRows, ev.InputNumBytes,
		ev.OutputNumRows, ev.OutputNumBytes,
		string(ev.EventType), ev.TimestampBegin, ev.TimestampEnd,
	)
	return err
}

// HealthCheck verifies the pool can still reach the database, the same
// trivial SELECT 1 check the teacher's database package runs.
func (s *PostgresSink) HealthCheck(ctx context.Context) error {
	var one int
	row := s.pool.QueryRow(ctx, "SELECT 1")
	if err := row.Scan(&one); err != nil {
		return fmt.Errorf("telemetry: health check: %w", err)
	}
	return nil
}

// Close stops accepting new events, waits for the buffered backlog to
// drain to the database, then closes the pool.
func (s *PostgresSink) Close() error {
	close(s.events)
	<-s.done
	s.pool.Close()
	return nil
}
