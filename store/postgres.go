package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"n4-basestation/common"
)

const schema = `
CREATE TABLE IF NOT EXISTS n4_logs (
	id          BIGSERIAL PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	level       TEXT NOT NULL,
	source      TEXT NOT NULL,
	message     TEXT NOT NULL,
	action      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL DEFAULT '',
	stored_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS n4_logs_ts_idx ON n4_logs (ts DESC);

CREATE TABLE IF NOT EXISTS n4_telemetry (
	id              BIGSERIAL PRIMARY KEY,
	ts              TIMESTAMPTZ NOT NULL,
	state           INTEGER NOT NULL,
	operation_mode  BOOLEAN NOT NULL,
	latitude        DOUBLE PRECISION,
	longitude       DOUBLE PRECISION,
	altitude        DOUBLE PRECISION,
	pressure        DOUBLE PRECISION,
	temperature     DOUBLE PRECISION,
	pyro_drogue     BOOLEAN NOT NULL,
	pyro_main       BOOLEAN NOT NULL,
	battery_voltage DOUBLE PRECISION,
	agl             DOUBLE PRECISION,
	velocity        DOUBLE PRECISION,
	ax              DOUBLE PRECISION,
	ay              DOUBLE PRECISION,
	az              DOUBLE PRECISION,
	pitch           DOUBLE PRECISION,
	roll            DOUBLE PRECISION,
	stored_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS n4_telemetry_ts_idx ON n4_telemetry (ts DESC);
`

var (
	logColumns       = []string{"ts", "level", "source", "message", "action", "status"}
	telemetryColumns = []string{
		"ts", "state", "operation_mode", "latitude", "longitude", "altitude", "pressure",
		"temperature", "pyro_drogue", "pyro_main", "battery_voltage", "agl", "velocity",
		"ax", "ay", "az", "pitch", "roll",
	}
)

// PostgresBackend хранит записи в таблицах n4_logs и n4_telemetry.
// Срок хранения считается от момента записи (stored_at).
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBackend подключается к базе и создает схему
func NewPostgresBackend(ctx context.Context, url string, logger *slog.Logger) (*PostgresBackend, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	b := &PostgresBackend{pool: pool, logger: logger.With("component", "store-postgres")}
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// EnsureSchema создает таблицы, если их нет
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}

func (b *PostgresBackend) SaveLogs(ctx context.Context, logs []common.LogEvent, retentionDays int) error {
	now := time.Now()
	rows := make([][]any, 0, len(logs))
	for _, l := range logs {
		ts := l.Timestamp
		if ts.IsZero() {
			ts = now
		}
		rows = append(rows, []any{ts, string(l.Level), l.Source, l.Message, l.Action, l.Status})
	}
	return b.save(ctx, "n4_logs", logColumns, rows, retentionDays)
}

func (b *PostgresBackend) SaveTelemetry(ctx context.Context, frames []common.TelemetryFrame, retentionDays int) error {
	now := time.Now()
	rows := make([][]any, 0, len(frames))
	for _, f := range frames {
		ts := f.ReceivedAt
		if ts.IsZero() {
			ts = now
		}
		row := []any{
			ts, int(f.State), f.OperationMode,
			nullable(f.Position.Lat), nullable(f.Position.Lon), nullable(f.Position.AltGPS),
			nullable(f.Pressure), nullable(f.Temperature),
			f.PyroDrogueFired, f.PyroMainFired,
			nullable(f.BatteryVoltage), nullablePtr(f.AGL), nullablePtr(f.Velocity),
		}
		if a := f.Acceleration; a != nil {
			row = append(row, nullable(a.AX), nullable(a.AY), nullable(a.AZ), nullable(a.Pitch), nullable(a.Roll))
		} else {
			row = append(row, nil, nil, nil, nil, nil)
		}
		rows = append(rows, row)
	}
	return b.save(ctx, "n4_telemetry", telemetryColumns, rows, retentionDays)
}

// save вставляет строки через COPY и удаляет устаревшие в одной транзакции
func (b *PostgresBackend) save(ctx context.Context, table string, columns []string, rows [][]any, retentionDays int) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	if retentionDays > 0 {
		tag, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE stored_at < now() - make_interval(days => $1)", table),
			retentionDays)
		if err != nil {
			return fmt.Errorf("failed to apply retention on %s: %w", table, err)
		}
		if deleted := tag.RowsAffected(); deleted > 0 {
			b.logger.Info("deleted old records", "table", table, "count", deleted)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	b.logger.Debug("records saved", "table", table, "count", n)
	return nil
}

func (b *PostgresBackend) QueryLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error) {
	where, args := logFilter(q)

	var total int
	if err := b.pool.QueryRow(ctx, "SELECT count(*) FROM n4_logs"+where, args...).Scan(&total); err != nil {
		return common.LogPage{}, fmt.Errorf("failed to count logs: %w", err)
	}

	query := "SELECT " + strings.Join(logColumns, ", ") + " FROM n4_logs" + where + pageClause(&args, q.PageQuery)
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return common.LogPage{}, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	logs := make([]common.LogEvent, 0, q.Limit)
	for rows.Next() {
		var l common.LogEvent
		var level string
		if err := rows.Scan(&l.Timestamp, &level, &l.Source, &l.Message, &l.Action, &l.Status); err != nil {
			return common.LogPage{}, err
		}
		l.Level = common.LogLevel(level)
		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return common.LogPage{}, err
	}

	return common.LogPage{Logs: logs, Total: total, Page: q.Page, TotalPages: q.TotalPages(total)}, nil
}

func (b *PostgresBackend) QueryTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error) {
	where, args := telemetryFilter(q)

	var total int
	if err := b.pool.QueryRow(ctx, "SELECT count(*) FROM n4_telemetry"+where, args...).Scan(&total); err != nil {
		return common.TelemetryPage{}, fmt.Errorf("failed to count telemetry: %w", err)
	}

	query := "SELECT " + strings.Join(telemetryColumns, ", ") + " FROM n4_telemetry" + where + pageClause(&args, q.PageQuery)
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return common.TelemetryPage{}, fmt.Errorf("failed to query telemetry: %w", err)
	}
	defer rows.Close()

	frames := make([]common.TelemetryFrame, 0, q.Limit)
	for rows.Next() {
		var (
			f                                      common.TelemetryFrame
			state                                  int
			lat, lon, alt, pressure, temp, battery *float64
			agl, velocity                          *float64
			ax, ay, az, pitch, roll                *float64
		)
		err := rows.Scan(&f.ReceivedAt, &state, &f.OperationMode, &lat, &lon, &alt, &pressure, &temp,
			&f.PyroDrogueFired, &f.PyroMainFired, &battery, &agl, &velocity, &ax, &ay, &az, &pitch, &roll)
		if err != nil {
			return common.TelemetryPage{}, err
		}
		f.ReceivedAt = f.ReceivedAt.UTC()
		f.State = common.FlightState(state)
		f.Position = common.Position{Lat: orNaN(lat), Lon: orNaN(lon), AltGPS: orNaN(alt)}
		f.Pressure = orNaN(pressure)
		f.Temperature = orNaN(temp)
		f.BatteryVoltage = orNaN(battery)
		f.AGL = agl
		f.Velocity = velocity
		if ax != nil || ay != nil || az != nil || pitch != nil || roll != nil {
			f.Acceleration = &common.Acceleration{
				AX: orNaN(ax), AY: orNaN(ay), AZ: orNaN(az), Pitch: orNaN(pitch), Roll: orNaN(roll),
			}
		}
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return common.TelemetryPage{}, err
	}

	return common.TelemetryPage{Telemetry: frames, Total: total, Page: q.Page, TotalPages: q.TotalPages(total)}, nil
}

// whereBuilder собирает условие WHERE с позиционными параметрами
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *whereBuilder) dateRange(q common.PageQuery) {
	if q.StartDate != nil {
		w.add("ts >= $%d", *q.StartDate)
	}
	if q.EndDate != nil {
		w.add("ts <= $%d", *q.EndDate)
	}
}

func (w *whereBuilder) build() (string, []any) {
	if len(w.conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(w.conds, " AND "), w.args
}

func logFilter(q common.LogQuery) (string, []any) {
	var w whereBuilder
	if q.Level != "" {
		w.add("level = $%d", string(q.Level))
	}
	w.dateRange(q.PageQuery)
	return w.build()
}

func telemetryFilter(q common.TelemetryQuery) (string, []any) {
	var w whereBuilder
	w.dateRange(q.PageQuery)
	if q.MinAltitude != nil {
		w.add("altitude >= $%d", *q.MinAltitude)
	}
	if q.MaxAltitude != nil {
		w.add("altitude <= $%d", *q.MaxAltitude)
	}
	return w.build()
}

// pageClause дописывает сортировку и LIMIT/OFFSET, добавляя параметры в args
func pageClause(args *[]any, q common.PageQuery) string {
	*args = append(*args, q.Limit, q.Offset())
	return fmt.Sprintf(" ORDER BY ts DESC, id DESC LIMIT $%d OFFSET $%d", len(*args)-1, len(*args))
}

func nullable(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func nullablePtr(v *float64) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}
