package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appLog "capsched/internal/log"
	"capsched/internal/model"

	_ "modernc.org/sqlite"
)

// Supported SQL drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLConfig holds connection pool parameters.
type SQLConfig struct {
	BusyTimeout  time.Duration // SQLite only
	MaxOpenConns int
}

// DefaultSQLConfig returns the pool settings used when none are configured.
func DefaultSQLConfig() SQLConfig {
	return SQLConfig{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// SQLStore is an EventStore on top of database/sql via sqlx. Times are
// stored as unix milliseconds; absent times are NULL.
type SQLStore struct {
	db *sqlx.DB
	// lifetime is the pool's connection recycle interval; zero never
	// recycles.
	lifetime time.Duration
}

// Open connects to driver/dsn and migrates the schema. For SQLite a plain
// file path gets WAL and busy_timeout pragmas; ":memory:" opens a private
// in-memory database on a single connection.
func Open(driver, dsn string, cfg SQLConfig) (*SQLStore, error) {
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = DefaultSQLConfig().MaxOpenConns
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = DefaultSQLConfig().BusyTimeout
	}

	lifetime := time.Hour
	switch driver {
	case DriverSQLite:
		if dsn == ":memory:" {
			// The database lives only as long as its single connection.
			lifetime = 0
			dsn = fmt.Sprintf("file::memory:?_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds())
			cfg.MaxOpenConns = 1
		} else if !strings.Contains(dsn, "?") {
			dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
				dsn, cfg.BusyTimeout.Milliseconds())
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	s := &SQLStore{db: db, lifetime: lifetime}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	appLog.Info("event store opened", "driver", driver)
	return s, nil
}

// Close closes the database pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS recurring_events (
		id                  TEXT PRIMARY KEY,
		rule                TEXT NOT NULL DEFAULT '',
		recurrence_start_ms BIGINT,
		recurrence_end_ms   BIGINT,
		duration_ms         BIGINT NOT NULL DEFAULT 0,
		title               TEXT NOT NULL DEFAULT '',
		creator             TEXT NOT NULL DEFAULT '',
		abstract            TEXT NOT NULL DEFAULT '',
		contributor         TEXT NOT NULL DEFAULT '',
		device              TEXT NOT NULL DEFAULT '',
		location            TEXT NOT NULL DEFAULT '',
		series_id           TEXT NOT NULL DEFAULT '',
		channel_id          TEXT NOT NULL DEFAULT '',
		resources           TEXT NOT NULL DEFAULT '',
		attendees           TEXT NOT NULL DEFAULT '',
		extra               TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS events (
		id                 TEXT PRIMARY KEY,
		recurring_event_id TEXT,
		start_ms           BIGINT,
		end_ms             BIGINT,
		title              TEXT NOT NULL DEFAULT '',
		creator            TEXT NOT NULL DEFAULT '',
		abstract           TEXT NOT NULL DEFAULT '',
		contributor        TEXT NOT NULL DEFAULT '',
		device             TEXT NOT NULL DEFAULT '',
		location           TEXT NOT NULL DEFAULT '',
		series_id          TEXT NOT NULL DEFAULT '',
		channel_id         TEXT NOT NULL DEFAULT '',
		resources          TEXT NOT NULL DEFAULT '',
		attendees          TEXT NOT NULL DEFAULT '',
		extra              TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_events_device ON events(device);
	CREATE INDEX IF NOT EXISTS idx_events_recurring ON events(recurring_event_id);
	CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_ms);
	`
	return retryOnContention(func() error {
		_, err := s.db.Exec(schema)
		return err
	})
}

func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

// ---------------------------------------------------------------------------
// Rows
// ---------------------------------------------------------------------------

type metadataCols struct {
	Title       string `db:"title"`
	Creator     string `db:"creator"`
	Abstract    string `db:"abstract"`
	Contributor string `db:"contributor"`
	Device      string `db:"device"`
	Location    string `db:"location"`
	SeriesID    string `db:"series_id"`
	ChannelID   string `db:"channel_id"`
	Resources   string `db:"resources"`
	Attendees   string `db:"attendees"`
	Extra       string `db:"extra"`
}

const metadataColumns = "title, creator, abstract, contributor, device, location, series_id, channel_id, resources, attendees, extra"
const metadataParams = ":title, :creator, :abstract, :contributor, :device, :location, :series_id, :channel_id, :resources, :attendees, :extra"
const metadataAssignments = "title = :title, creator = :creator, abstract = :abstract, contributor = :contributor, device = :device, " +
	"location = :location, series_id = :series_id, channel_id = :channel_id, resources = :resources, attendees = :attendees, extra = :extra"

type eventRow struct {
	ID               string         `db:"id"`
	RecurringEventID sql.NullString `db:"recurring_event_id"`
	StartMs          sql.NullInt64  `db:"start_ms"`
	EndMs            sql.NullInt64  `db:"end_ms"`
	metadataCols
}

type recurringRow struct {
	ID                string        `db:"id"`
	Rule              string        `db:"rule"`
	RecurrenceStartMs sql.NullInt64 `db:"recurrence_start_ms"`
	RecurrenceEndMs   sql.NullInt64 `db:"recurrence_end_ms"`
	DurationMs        int64         `db:"duration_ms"`
	metadataCols
}

func toMetadataCols(m model.Metadata) (metadataCols, error) {
	cols := metadataCols{
		Title: m.Title, Creator: m.Creator, Abstract: m.Abstract, Contributor: m.Contributor,
		Device: m.Device, Location: m.Location, SeriesID: m.SeriesID, ChannelID: m.ChannelID,
		Resources: m.Resources, Attendees: m.Attendees,
	}
	if len(m.Extra) > 0 {
		raw, err := json.Marshal(m.Extra)
		if err != nil {
			return cols, err
		}
		cols.Extra = string(raw)
	}
	return cols, nil
}

func (c metadataCols) toMetadata() model.Metadata {
	m := model.Metadata{
		Title: c.Title, Creator: c.Creator, Abstract: c.Abstract, Contributor: c.Contributor,
		Device: c.Device, Location: c.Location, SeriesID: c.SeriesID, ChannelID: c.ChannelID,
		Resources: c.Resources, Attendees: c.Attendees,
	}
	if c.Extra != "" {
		if err := json.Unmarshal([]byte(c.Extra), &m.Extra); err != nil {
			appLog.Warn("event store: ignoring unreadable extra metadata", "err", err.Error())
		}
	}
	return m
}

func toMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64).UTC()
}

func toEventRow(ev model.Event) (eventRow, error) {
	cols, err := toMetadataCols(ev.Metadata)
	if err != nil {
		return eventRow{}, err
	}
	return eventRow{
		ID:               ev.ID,
		RecurringEventID: sql.NullString{String: ev.RecurringEventID, Valid: ev.RecurringEventID != ""},
		StartMs:          toMillis(ev.Start),
		EndMs:            toMillis(ev.End),
		metadataCols:     cols,
	}, nil
}

func (r eventRow) toEvent() model.Event {
	return model.Event{
		ID:               r.ID,
		Metadata:         r.metadataCols.toMetadata(),
		Start:            fromMillis(r.StartMs),
		End:              fromMillis(r.EndMs),
		RecurringEventID: r.RecurringEventID.String,
	}
}

func toRecurringRow(re model.RecurringEvent) (recurringRow, error) {
	cols, err := toMetadataCols(re.Metadata)
	if err != nil {
		return recurringRow{}, err
	}
	return recurringRow{
		ID:                re.ID,
		Rule:              re.Rule,
		RecurrenceStartMs: toMillis(re.RecurrenceStart),
		RecurrenceEndMs:   toMillis(re.RecurrenceEnd),
		DurationMs:        re.Duration.Milliseconds(),
		metadataCols:      cols,
	}, nil
}

func (r recurringRow) toRecurringEvent() model.RecurringEvent {
	return model.RecurringEvent{
		ID:              r.ID,
		Metadata:        r.metadataCols.toMetadata(),
		Rule:            r.Rule,
		RecurrenceStart: fromMillis(r.RecurrenceStartMs),
		RecurrenceEnd:   fromMillis(r.RecurrenceEndMs),
		Duration:        time.Duration(r.DurationMs) * time.Millisecond,
	}
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unavailable(op string, err error) error {
	appLog.Error("event store operation failed", err, "op", op)
	return &model.StoreUnavailableError{Op: op, Err: err}
}

func (s *SQLStore) insert(ctx context.Context, op, query string, arg any) error {
	err := retryOnContention(func() error {
		_, err := s.db.NamedExecContext(ctx, query, arg)
		return err
	})
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return model.ErrDuplicateID
	}
	return unavailable(op, err)
}

func (s *SQLStore) execAffecting(ctx context.Context, op string, run func() (sql.Result, error)) error {
	var affected int64
	err := retryOnContention(func() error {
		res, err := run()
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return unavailable(op, err)
	}
	if affected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

const eventColumns = "id, recurring_event_id, start_ms, end_ms, " + metadataColumns

func (s *SQLStore) FindEvent(ctx context.Context, id string) (model.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+eventColumns+` FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, model.ErrNotFound
	}
	if err != nil {
		return model.Event{}, unavailable("find event", err)
	}
	return row.toEvent(), nil
}

func (s *SQLStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+eventColumns+` FROM events ORDER BY start_ms, id`); err != nil {
		return nil, unavailable("list events", err)
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

func (s *SQLStore) PersistEvent(ctx context.Context, ev model.Event) error {
	row, err := toEventRow(ev)
	if err != nil {
		return err
	}
	return s.insert(ctx, "persist event",
		`INSERT INTO events (`+eventColumns+`) VALUES (:id, :recurring_event_id, :start_ms, :end_ms, `+metadataParams+`)`,
		row)
}

func (s *SQLStore) MergeEvent(ctx context.Context, ev model.Event) error {
	row, err := toEventRow(ev)
	if err != nil {
		return err
	}
	return s.execAffecting(ctx, "merge event", func() (sql.Result, error) {
		return s.db.NamedExecContext(ctx,
			`UPDATE events SET recurring_event_id = :recurring_event_id, start_ms = :start_ms, end_ms = :end_ms, `+
				metadataAssignments+` WHERE id = :id`,
			row)
	})
}

func (s *SQLStore) RemoveEvent(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "remove event", func() (sql.Result, error) {
		return s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM events WHERE id = ?`), id)
	})
}

// ---------------------------------------------------------------------------
// Recurring events
// ---------------------------------------------------------------------------

const recurringColumns = "id, rule, recurrence_start_ms, recurrence_end_ms, duration_ms, " + metadataColumns

func (s *SQLStore) occurrences(ctx context.Context, id string) ([]model.Event, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		s.db.Rebind(`SELECT `+eventColumns+` FROM events WHERE recurring_event_id = ? ORDER BY start_ms, id`), id)
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toEvent())
	}
	return out, nil
}

func (s *SQLStore) FindRecurringEvent(ctx context.Context, id string) (model.RecurringEvent, error) {
	var row recurringRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+recurringColumns+` FROM recurring_events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RecurringEvent{}, model.ErrNotFound
	}
	if err != nil {
		return model.RecurringEvent{}, unavailable("find recurring event", err)
	}
	re := row.toRecurringEvent()
	if re.Events, err = s.occurrences(ctx, id); err != nil {
		return model.RecurringEvent{}, unavailable("find recurring event", err)
	}
	return re, nil
}

func (s *SQLStore) ListRecurringEvents(ctx context.Context) ([]model.RecurringEvent, error) {
	var rows []recurringRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+recurringColumns+` FROM recurring_events ORDER BY id`); err != nil {
		return nil, unavailable("list recurring events", err)
	}
	out := make([]model.RecurringEvent, 0, len(rows))
	for _, r := range rows {
		re := r.toRecurringEvent()
		events, err := s.occurrences(ctx, re.ID)
		if err != nil {
			return nil, unavailable("list recurring events", err)
		}
		re.Events = events
		out = append(out, re)
	}
	return out, nil
}

func (s *SQLStore) PersistRecurringEvent(ctx context.Context, re model.RecurringEvent) error {
	row, err := toRecurringRow(re)
	if err != nil {
		return err
	}
	return s.insert(ctx, "persist recurring event",
		`INSERT INTO recurring_events (`+recurringColumns+`) VALUES (:id, :rule, :recurrence_start_ms, :recurrence_end_ms, :duration_ms, `+metadataParams+`)`,
		row)
}

func (s *SQLStore) MergeRecurringEvent(ctx context.Context, re model.RecurringEvent) error {
	row, err := toRecurringRow(re)
	if err != nil {
		return err
	}
	return s.execAffecting(ctx, "merge recurring event", func() (sql.Result, error) {
		return s.db.NamedExecContext(ctx,
			`UPDATE recurring_events SET rule = :rule, recurrence_start_ms = :recurrence_start_ms, `+
				`recurrence_end_ms = :recurrence_end_ms, duration_ms = :duration_ms, `+metadataAssignments+` WHERE id = :id`,
			row)
	})
}

func (s *SQLStore) RemoveRecurringEvent(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "remove recurring event", func() (sql.Result, error) {
		return s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM recurring_events WHERE id = ?`), id)
	})
}
