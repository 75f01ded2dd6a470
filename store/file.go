package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"n4-basestation/common"
)

var (
	logHeader = []string{"TIMESTAMP", "LEVEL", "SOURCE", "MESSAGE", "ACTION", "STATUS"}

	telemetryHeader = []string{
		"TIMESTAMP", "STATE", "OPERATION_MODE", "LATITUDE", "LONGITUDE", "ALTITUDE",
		"PRESSURE", "TEMPERATURE", "PYRO_DROGUE", "PYRO_MAIN", "BATTERY_VOLTAGE",
		"AGL", "VELOCITY", "AX", "AY", "AZ",
	}
)

const (
	logsKind      = "logs"
	telemetryKind = "telemetry"
)

// FileBackend пишет записи в дневные CSV-файлы: <dir>/logs/logs-YYYY-MM-DD.csv
// и <dir>/telemetry/telemetry-YYYY-MM-DD.csv. Файлы только дополняются.
type FileBackend struct {
	dir    string
	clock  clockwork.Clock
	logger *slog.Logger
	mu     sync.Mutex
}

// FileOption настраивает FileBackend
type FileOption func(*FileBackend)

func WithFileClock(clk clockwork.Clock) FileOption {
	return func(b *FileBackend) { b.clock = clk }
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(b *FileBackend) { b.logger = logger }
}

// NewFileBackend создает каталоги для обоих видов записей
func NewFileBackend(dir string, opts ...FileOption) (*FileBackend, error) {
	b := &FileBackend{
		dir:    dir,
		clock:  clockwork.NewRealClock(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "store-file")

	for _, kind := range []string{logsKind, telemetryKind} {
		if err := os.MkdirAll(filepath.Join(dir, kind), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}
	return b, nil
}

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) currentFile(kind string) string {
	day := b.clock.Now().UTC().Format(time.DateOnly)
	return filepath.Join(b.dir, kind, kind+"-"+day+".csv")
}

// SaveLogs дописывает записи журнала в файл текущего дня и удаляет старые файлы
func (b *FileBackend) SaveLogs(ctx context.Context, logs []common.LogEvent, retentionDays int) error {
	rows := make([][]string, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, []string{
			b.timestamp(l.Timestamp),
			string(l.Level),
			l.Source,
			l.Message,
			l.Action,
			l.Status,
		})
	}
	return b.save(logsKind, logHeader, rows, retentionDays)
}

// SaveTelemetry дописывает кадры в файл текущего дня и удаляет старые файлы
func (b *FileBackend) SaveTelemetry(ctx context.Context, frames []common.TelemetryFrame, retentionDays int) error {
	rows := make([][]string, 0, len(frames))
	for _, f := range frames {
		row := []string{
			b.timestamp(f.ReceivedAt),
			strconv.Itoa(int(f.State)),
			flag(f.OperationMode),
			formatFloat(f.Position.Lat),
			formatFloat(f.Position.Lon),
			formatFloat(f.Position.AltGPS),
			formatFloat(f.Pressure),
			formatFloat(f.Temperature),
			flag(f.PyroDrogueFired),
			flag(f.PyroMainFired),
			formatFloat(f.BatteryVoltage),
			formatOptional(f.AGL),
			formatOptional(f.Velocity),
		}
		if a := f.Acceleration; a != nil {
			row = append(row, formatFloat(a.AX), formatFloat(a.AY), formatFloat(a.AZ))
		} else {
			row = append(row, "", "", "")
		}
		rows = append(rows, row)
	}
	return b.save(telemetryKind, telemetryHeader, rows, retentionDays)
}

func (b *FileBackend) save(kind string, header []string, rows [][]string, retentionDays int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.currentFile(kind)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	w := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", kind, err)
	}
	b.logger.Debug("records saved", "kind", kind, "count", len(rows), "file", filepath.Base(path))

	if retentionDays > 0 {
		b.rotate(kind, retentionDays)
	}
	return nil
}

// rotate удаляет файлы, не изменявшиеся дольше retentionDays суток
func (b *FileBackend) rotate(kind string, retentionDays int) {
	cutoff := b.clock.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	entries, err := os.ReadDir(filepath.Join(b.dir, kind))
	if err != nil {
		b.logger.Warn("failed to list files for rotation", "kind", kind, "error", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(b.dir, kind, entry.Name())
		if err := os.Remove(path); err != nil {
			b.logger.Error("failed to delete old file", "file", entry.Name(), "error", err)
			continue
		}
		b.logger.Info("deleted old file", "kind", kind, "file", entry.Name())
	}
}

// QueryLogs читает все файлы журнала, фильтрует и возвращает страницу, новые первыми
func (b *FileBackend) QueryLogs(ctx context.Context, q common.LogQuery) (common.LogPage, error) {
	var logs []common.LogEvent
	err := b.readAll(logsKind, func(rec []string) error {
		if len(rec) != len(logHeader) {
			return errMalformedRow
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return errMalformedRow
		}
		l := common.LogEvent{
			Timestamp: ts,
			Level:     common.LogLevel(rec[1]),
			Source:    rec[2],
			Message:   rec[3],
			Action:    rec[4],
			Status:    rec[5],
		}
		if q.Level != "" && l.Level != q.Level {
			return nil
		}
		if q.InRange(l.Timestamp) {
			logs = append(logs, l)
		}
		return nil
	})
	if err != nil {
		return common.LogPage{}, err
	}

	sortNewestFirst(logs, func(l common.LogEvent) time.Time { return l.Timestamp })
	return common.LogPage{
		Logs:       page(logs, q.PageQuery),
		Total:      len(logs),
		Page:       q.Page,
		TotalPages: q.TotalPages(len(logs)),
	}, nil
}

// QueryTelemetry читает все файлы телеметрии, фильтрует и возвращает страницу, новые первыми
func (b *FileBackend) QueryTelemetry(ctx context.Context, q common.TelemetryQuery) (common.TelemetryPage, error) {
	var frames []common.TelemetryFrame
	err := b.readAll(telemetryKind, func(rec []string) error {
		f, err := parseTelemetryRow(rec)
		if err != nil {
			return err
		}
		if q.InRange(f.ReceivedAt) && altitudeInRange(f.Position.AltGPS, q) {
			frames = append(frames, f)
		}
		return nil
	})
	if err != nil {
		return common.TelemetryPage{}, err
	}

	sortNewestFirst(frames, func(f common.TelemetryFrame) time.Time { return f.ReceivedAt })
	return common.TelemetryPage{
		Telemetry:  page(frames, q.PageQuery),
		Total:      len(frames),
		Page:       q.Page,
		TotalPages: q.TotalPages(len(frames)),
	}, nil
}

var errMalformedRow = errors.New("malformed row")

// readAll вызывает fn для каждой строки данных во всех CSV-файлах вида kind.
// Поврежденные строки пропускаются.
func (b *FileBackend) readAll(kind string, fn func(rec []string) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	dir := filepath.Join(b.dir, kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		n, err := readFile(filepath.Join(dir, entry.Name()), fn)
		if err != nil {
			return err
		}
		skipped += n
	}
	if skipped > 0 {
		b.logger.Warn("skipped malformed rows", "kind", kind, "count", skipped)
	}
	return nil
}

func readFile(path string, fn func(rec []string) error) (int, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	r := csv.NewReader(file)
	r.FieldsPerRecord = -1
	skipped := 0
	for line := 0; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			skipped++
			continue
		}
		if line == 0 && len(rec) > 0 && rec[0] == "TIMESTAMP" {
			continue
		}
		if err := fn(rec); err != nil {
			if errors.Is(err, errMalformedRow) {
				skipped++
				continue
			}
			return skipped, err
		}
	}
}

func parseTelemetryRow(rec []string) (common.TelemetryFrame, error) {
	if len(rec) != len(telemetryHeader) {
		return common.TelemetryFrame{}, errMalformedRow
	}
	ts, err := time.Parse(time.RFC3339Nano, rec[0])
	if err != nil {
		return common.TelemetryFrame{}, errMalformedRow
	}
	state, err := strconv.Atoi(rec[1])
	if err != nil {
		return common.TelemetryFrame{}, errMalformedRow
	}

	f := common.TelemetryFrame{
		ReceivedAt:    ts,
		State:         common.FlightState(state),
		OperationMode: rec[2] == "1",
		Position: common.Position{
			Lat:    parseFloat(rec[3]),
			Lon:    parseFloat(rec[4]),
			AltGPS: parseFloat(rec[5]),
		},
		Pressure:        parseFloat(rec[6]),
		Temperature:     parseFloat(rec[7]),
		PyroDrogueFired: rec[8] == "1",
		PyroMainFired:   rec[9] == "1",
		BatteryVoltage:  parseFloat(rec[10]),
		AGL:             parseOptional(rec[11]),
		Velocity:        parseOptional(rec[12]),
	}
	if rec[13] != "" || rec[14] != "" || rec[15] != "" {
		f.Acceleration = &common.Acceleration{
			AX:    parseFloat(rec[13]),
			AY:    parseFloat(rec[14]),
			AZ:    parseFloat(rec[15]),
			Pitch: math.NaN(),
			Roll:  math.NaN(),
		}
	}
	return f, nil
}

// timestamp записи без времени получают время сохранения
func (b *FileBackend) timestamp(ts time.Time) string {
	if ts.IsZero() {
		ts = b.clock.Now()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func flag(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

func parseOptional(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
