// Package usagelog is the immutable SQL log of usage events that billing
// reconciles from. Inserts are keyed by trace id, so redelivered events
// are recorded once.
package usagelog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL

	"github.com/systmms/tenantkeys/internal/bus"
	"github.com/systmms/tenantkeys/internal/config"
	"github.com/systmms/tenantkeys/internal/logging"
	"github.com/systmms/tenantkeys/pkg/adapter"
	"github.com/systmms/tenantkeys/pkg/usage"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type dialect struct {
	driver      string
	placeholder func(n int) string
	insert      string
	schema      string
	// dsn rewrites an operator DSN into the form the queries rely on.
	dsn func(string) (string, error)
}

var dialects = map[string]dialect{
	"postgres": {
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		insert:      "INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (trace_id) DO NOTHING",
		schema: `CREATE TABLE IF NOT EXISTS %s (
	trace_id    TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	service     TEXT NOT NULL,
	operation   TEXT NOT NULL DEFAULT '',
	tokens_used BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	cost_usd    NUMERIC(20,10) NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
)`,
	},
	"mysql": {
		driver:      "mysql",
		placeholder: func(int) string { return "?" },
		insert:      "INSERT IGNORE INTO %s (%s) VALUES (%s)",
		dsn:         mysqlDSN,
		schema: `CREATE TABLE IF NOT EXISTS %s (
	trace_id    VARCHAR(64) PRIMARY KEY,
	tenant_id   VARCHAR(255) NOT NULL,
	user_id     VARCHAR(255) NOT NULL DEFAULT '',
	service     VARCHAR(64) NOT NULL,
	operation   VARCHAR(255) NOT NULL DEFAULT '',
	tokens_used BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	cost_usd    DECIMAL(20,10) NOT NULL,
	occurred_at DATETIME(6) NOT NULL
)`,
	},
}

var driverAliases = map[string]string{
	"postgres":   "postgres",
	"postgresql": "postgres",
	"mysql":      "mysql",
	"mariadb":    "mysql",
}

var columns = []string{
	"trace_id", "tenant_id", "user_id", "service", "operation",
	"tokens_used", "duration_ms", "cost_usd", "occurred_at",
}

// Log reads and writes usage events in one table.
type Log struct {
	db      *sql.DB
	dialect dialect
	table   string
	logger  *logging.Logger
}

// Open connects to the database described by cfg. dsn overrides cfg.DSN
// when non-empty, for DSNs resolved from secret references.
func Open(cfg config.UsageLogConfig, dsn string, logger *logging.Logger) (*Log, error) {
	if dsn == "" {
		dsn = cfg.DSN
	}
	name, ok := driverAliases[strings.ToLower(cfg.Driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported usage log driver: %s", cfg.Driver)
	}

	d := dialects[name]
	if d.dsn != nil {
		var err error
		if dsn, err = d.dsn(dsn); err != nil {
			return nil, fmt.Errorf("invalid %s usage log dsn: %w", name, err)
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage log database: %w", err)
	}
	l, err := New(db, name, cfg.Table, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// mysqlDSN forces DATETIME columns to scan into time.Time in UTC.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// New wraps an open database.
func New(db *sql.DB, driver, table string, logger *logging.Logger) (*Log, error) {
	d, ok := dialects[driverAliases[strings.ToLower(driver)]]
	if !ok {
		return nil, fmt.Errorf("unsupported usage log driver: %s", driver)
	}
	if table == "" {
		table = config.DefaultUsageTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid usage log table name %q", table)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Log{db: db, dialect: d, table: table, logger: logger}, nil
}

// EnsureSchema creates the table if it does not exist.
func (l *Log) EnsureSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, fmt.Sprintf(l.dialect.schema, l.table)); err != nil {
		return fmt.Errorf("failed to create usage log table: %w", err)
	}
	return nil
}

// Insert records ev. It reports false when the trace id was already logged.
func (l *Log) Insert(ctx context.Context, ev usage.Event) (bool, error) {
	if ev.TraceID == "" {
		return false, fmt.Errorf("usage event has no trace id")
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = l.dialect.placeholder(i + 1)
	}
	query := fmt.Sprintf(l.dialect.insert, l.table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	res, err := l.db.ExecContext(ctx, query,
		ev.TraceID, ev.TenantID, ev.UserID, ev.Service, ev.Operation,
		ev.TokensUsed, ev.DurationMs, ev.CostUSD, ev.Timestamp.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage event %s: %w", ev.TraceID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert usage event %s: %w", ev.TraceID, err)
	}
	return n > 0, nil
}

// EventsForDate returns the events on the UTC day of date ordered by time
// then trace id, so repeated reads are identical.
func (l *Log) EventsForDate(ctx context.Context, date time.Time) ([]usage.Event, error) {
	start := usage.Day(date)
	end := start.AddDate(0, 0, 1)

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE occurred_at >= %s AND occurred_at < %s ORDER BY occurred_at, trace_id",
		strings.Join(columns, ", "), l.table, l.dialect.placeholder(1), l.dialect.placeholder(2),
	)

	rows, err := l.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []usage.Event
	for rows.Next() {
		var ev usage.Event
		if err := rows.Scan(
			&ev.TraceID, &ev.TenantID, &ev.UserID, &ev.Service, &ev.Operation,
			&ev.TokensUsed, &ev.DurationMs, &ev.CostUSD, &ev.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage events: %w", err)
	}
	return events, nil
}

// Handler ingests usage events from the bus. Cost is recomputed from
// pricing, never taken from the payload. Malformed payloads and unknown
// services are logged and acknowledged; database failures are returned so
// the message is redelivered.
func (l *Log) Handler(pricing *adapter.Registry) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		var ev usage.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			l.logger.Warn("Skipping malformed usage event on %s: %v", msg.Topic, err)
			return nil
		}
		if ev.TraceID == "" {
			l.logger.Warn("Skipping usage event without trace id on %s", msg.Topic)
			return nil
		}
		logger := l.logger.With("trace", ev.TraceID)

		a, err := pricing.Lookup(ev.Service)
		if err != nil {
			logger.Warn("Skipping usage event: %v", err)
			return nil
		}
		cost := a.CostForUsage(ev.TokensUsed, ev.Operation)
		if !cost.Equal(ev.CostUSD) {
			logger.Warn("Usage event cost %s USD replaced with computed %s USD", ev.CostUSD.String(), cost.String())
		}
		ev.CostUSD = cost

		inserted, err := l.Insert(ctx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			logger.Debug("Duplicate usage event ignored")
		}
		return nil
	}
}

// Ping checks the connection.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
