package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tasque/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  destination TEXT NOT NULL,
  payload BLOB NOT NULL,
  delay INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  retries INTEGER NOT NULL DEFAULT 0,
  schedule_at INTEGER NOT NULL,
  repeat_interval INTEGER,
  repeat_cron TEXT,
  status TEXT NOT NULL CHECK(status IN ('scheduled','completed','failed')) DEFAULT 'scheduled',
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_configs (
  name TEXT PRIMARY KEY,
  parallelism INTEGER NOT NULL DEFAULT 1,
  type TEXT NOT NULL CHECK(type IN ('fifo','standard')) DEFAULT 'standard',
  created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_messages (
  id TEXT PRIMARY KEY,
  queue_name TEXT NOT NULL,
  destination TEXT NOT NULL,
  payload BLOB NOT NULL,
  delay INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 0,
  retries INTEGER NOT NULL DEFAULT 0,
  schedule_at INTEGER NOT NULL,
  method TEXT NOT NULL DEFAULT 'POST',
  headers TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('pending','completed','failed')) DEFAULT 'pending',
  created_at INTEGER NOT NULL,
  sequence_number INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_due ON queue_messages(queue_name, status, schedule_at);
CREATE INDEX IF NOT EXISTS idx_messages_seq ON queue_messages(queue_name, sequence_number);
CREATE TABLE IF NOT EXISTS actor_state (
  actor_key TEXT NOT NULL,
  name TEXT NOT NULL,
  value BLOB NOT NULL,
  PRIMARY KEY (actor_key, name)
);
CREATE TABLE IF NOT EXISTS wakes (
  actor_key TEXT PRIMARY KEY,
  wake_at INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the persistence contract for schedules, queues, actor scratch
// state, and armed wakes. Each statement is individually atomic; callers own
// any cross-statement consistency.
type Store interface {
	InsertSchedule(ctx context.Context, s domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	RescheduleSchedule(ctx context.Context, id string, retries int, at time.Time) (bool, error)
	MarkSchedule(ctx context.Context, id string, to domain.ScheduleStatus) (bool, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)

	UpsertQueueConfig(ctx context.Context, cfg domain.QueueConfig) error
	GetQueueConfig(ctx context.Context, name string) (domain.QueueConfig, error)
	DeleteQueue(ctx context.Context, name string) (int64, bool, error)

	InsertMessage(ctx context.Context, m domain.QueueMessage) error
	MaxSequence(ctx context.Context, queueName string) (int64, error)
	DuePending(ctx context.Context, queueName string, now time.Time, limit int) ([]domain.QueueMessage, error)
	GetMessage(ctx context.Context, id string) (domain.QueueMessage, error)
	MarkMessage(ctx context.Context, id string, to domain.MessageStatus) (bool, error)
	RescheduleMessage(ctx context.Context, id string, retries int, at time.Time) (bool, error)
	NextPendingAt(ctx context.Context, queueName string) (time.Time, bool, error)

	PutState(ctx context.Context, key, name string, value []byte) error
	GetState(ctx context.Context, key, name string) ([]byte, bool, error)
	ClearState(ctx context.Context, key string) error

	ArmWake(ctx context.Context, key string, at time.Time) error
	ArmWakeMin(ctx context.Context, key string, at time.Time) (time.Time, error)
	CancelWake(ctx context.Context, key string) error
	ListWakes(ctx context.Context) (map[string]time.Time, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

// Times are persisted as unix milliseconds, matching the wire units.
func toMillis(t time.Time) int64       { return t.UnixMilli() }
func fromMillis(ms int64) time.Time    { return time.UnixMilli(ms) }
func durMillis(d time.Duration) int64  { return d.Milliseconds() }
func millisDur(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

func (s *sqliteStore) InsertSchedule(ctx context.Context, sc domain.Schedule) error {
	var repeatInterval sql.NullInt64
	if sc.RepeatInterval > 0 {
		repeatInterval = sql.NullInt64{Int64: durMillis(sc.RepeatInterval), Valid: true}
	}
	var repeatCron sql.NullString
	if sc.RepeatCron != "" {
		repeatCron = sql.NullString{String: sc.RepeatCron, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,destination,payload,delay,max_retries,retries,schedule_at,repeat_interval,repeat_cron,status,created_at)
VALUES (?,?,?,?,?,0,?,?,?,?,?)`,
		sc.ID, sc.Destination, []byte(sc.Payload), durMillis(sc.Delay), sc.MaxRetries,
		toMillis(sc.ScheduleAt), repeatInterval, repeatCron, string(sc.Status), toMillis(sc.CreatedAt))
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,destination,payload,delay,max_retries,retries,schedule_at,repeat_interval,repeat_cron,status,created_at
FROM schedules WHERE id=?`, id)
	var sc domain.Schedule
	var delay, scheduleAt, createdAt int64
	var status string
	var repeatInterval sql.NullInt64
	var repeatCron sql.NullString
	var payload []byte
	err := row.Scan(&sc.ID, &sc.Destination, &payload, &delay, &sc.MaxRetries, &sc.Retries,
		&scheduleAt, &repeatInterval, &repeatCron, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	sc.Payload = json.RawMessage(payload)
	sc.Delay = millisDur(delay)
	sc.ScheduleAt = fromMillis(scheduleAt)
	sc.CreatedAt = fromMillis(createdAt)
	sc.Status = domain.ScheduleStatus(status)
	if repeatInterval.Valid {
		sc.RepeatInterval = millisDur(repeatInterval.Int64)
	}
	if repeatCron.Valid {
		sc.RepeatCron = repeatCron.String
	}
	return sc, nil
}

// RescheduleSchedule rewrites retries and the next fire time for a still
// scheduled row; a row deleted or terminal mid-dispatch affects nothing.
func (s *sqliteStore) RescheduleSchedule(ctx context.Context, id string, retries int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET retries=?, schedule_at=? WHERE id=? AND status='scheduled'`,
		retries, toMillis(at), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) MarkSchedule(ctx context.Context, id string, to domain.ScheduleStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET status=? WHERE id=? AND status='scheduled'`, string(to), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpsertQueueConfig overwrites in place on re-creation; created_at is kept
// from the original row so recreation is observably idempotent.
func (s *sqliteStore) UpsertQueueConfig(ctx context.Context, cfg domain.QueueConfig) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queue_configs (name,parallelism,type,created_at) VALUES (?,?,?,?)
ON CONFLICT(name) DO UPDATE SET parallelism=excluded.parallelism, type=excluded.type`,
		cfg.Name, cfg.Parallelism, string(cfg.Type), toMillis(cfg.CreatedAt))
	return err
}

func (s *sqliteStore) GetQueueConfig(ctx context.Context, name string) (domain.QueueConfig, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT name,parallelism,type,created_at FROM queue_configs WHERE name=?`, name)
	var cfg domain.QueueConfig
	var typ string
	var createdAt int64
	err := row.Scan(&cfg.Name, &cfg.Parallelism, &typ, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueConfig{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QueueConfig{}, err
	}
	cfg.Type = domain.QueueType(typ)
	cfg.CreatedAt = fromMillis(createdAt)
	return cfg, nil
}

func (s *sqliteStore) DeleteQueue(ctx context.Context, name string) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_configs WHERE name=?`, name)
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, false, nil
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE queue_name=?`, name)
	if err != nil {
		return 0, true, err
	}
	msgs, _ := res.RowsAffected()
	return msgs, true, nil
}

func (s *sqliteStore) InsertMessage(ctx context.Context, m domain.QueueMessage) error {
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var seq sql.NullInt64
	if m.SequenceNumber > 0 {
		seq = sql.NullInt64{Int64: m.SequenceNumber, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue_messages (id,queue_name,destination,payload,delay,max_retries,retries,schedule_at,method,headers,status,created_at,sequence_number)
VALUES (?,?,?,?,?,?,0,?,?,?,?,?,?)`,
		m.ID, m.QueueName, m.Destination, []byte(m.Payload), durMillis(m.Delay), m.MaxRetries,
		toMillis(m.ScheduleAt), m.Method, string(headers), string(m.Status), toMillis(m.CreatedAt), seq)
	return err
}

// MaxSequence returns the highest assigned fifo sequence number for a queue,
// or 0 when no message carries one.
func (s *sqliteStore) MaxSequence(ctx context.Context, queueName string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COALESCE(MAX(sequence_number),0) FROM queue_messages WHERE queue_name=?`, queueName)
	var max int64
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

func (s *sqliteStore) DuePending(ctx context.Context, queueName string, now time.Time, limit int) ([]domain.QueueMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,queue_name,destination,payload,delay,max_retries,retries,schedule_at,method,headers,status,created_at,sequence_number
FROM queue_messages
WHERE queue_name=? AND status='pending' AND schedule_at<=?
ORDER BY schedule_at ASC
LIMIT ?`, queueName, toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.QueueMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *sqliteStore) GetMessage(ctx context.Context, id string) (domain.QueueMessage, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,queue_name,destination,payload,delay,max_retries,retries,schedule_at,method,headers,status,created_at,sequence_number
FROM queue_messages WHERE id=?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueMessage{}, domain.ErrNotFound
	}
	return m, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.QueueMessage, error) {
	var m domain.QueueMessage
	var delay, scheduleAt, createdAt int64
	var method, headers, status string
	var seq sql.NullInt64
	var payload []byte
	err := row.Scan(&m.ID, &m.QueueName, &m.Destination, &payload, &delay, &m.MaxRetries,
		&m.Retries, &scheduleAt, &method, &headers, &status, &createdAt, &seq)
	if err != nil {
		return domain.QueueMessage{}, err
	}
	m.Payload = json.RawMessage(payload)
	m.Delay = millisDur(delay)
	m.ScheduleAt = fromMillis(scheduleAt)
	m.CreatedAt = fromMillis(createdAt)
	m.Method = method
	m.Status = domain.MessageStatus(status)
	if seq.Valid {
		m.SequenceNumber = seq.Int64
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &m.Headers); err != nil {
			return domain.QueueMessage{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return m, nil
}

func (s *sqliteStore) MarkMessage(ctx context.Context, id string, to domain.MessageStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_messages SET status=? WHERE id=? AND status='pending'`, string(to), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) RescheduleMessage(ctx context.Context, id string, retries int, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_messages SET retries=?, schedule_at=? WHERE id=? AND status='pending'`,
		retries, toMillis(at), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// NextPendingAt reports the earliest schedule_at among a queue's pending
// messages; ok=false when nothing is pending.
func (s *sqliteStore) NextPendingAt(ctx context.Context, queueName string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT MIN(schedule_at) FROM queue_messages WHERE queue_name=? AND status='pending'`, queueName)
	var min sql.NullInt64
	if err := row.Scan(&min); err != nil {
		return time.Time{}, false, err
	}
	if !min.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(min.Int64), true, nil
}

func (s *sqliteStore) PutState(ctx context.Context, key, name string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO actor_state (actor_key,name,value) VALUES (?,?,?)
ON CONFLICT(actor_key,name) DO UPDATE SET value=excluded.value`, key, name, value)
	return err
}

func (s *sqliteStore) GetState(ctx context.Context, key, name string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT value FROM actor_state WHERE actor_key=? AND name=?`, key, name)
	var v []byte
	err := row.Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *sqliteStore) ClearState(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM actor_state WHERE actor_key=?`, key)
	return err
}

func (s *sqliteStore) ArmWake(ctx context.Context, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO wakes (actor_key,wake_at) VALUES (?,?)
ON CONFLICT(actor_key) DO UPDATE SET wake_at=excluded.wake_at`, key, toMillis(at))
	return err
}

// ArmWakeMin coalesces: the persisted wake only ever moves earlier, and the
// effective time is returned so the in-memory timer can mirror it.
func (s *sqliteStore) ArmWakeMin(ctx context.Context, key string, at time.Time) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
INSERT INTO wakes (actor_key,wake_at) VALUES (?,?)
ON CONFLICT(actor_key) DO UPDATE SET wake_at=MIN(wake_at, excluded.wake_at)
RETURNING wake_at`, key, toMillis(at))
	var ms int64
	if err := row.Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}

func (s *sqliteStore) CancelWake(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM wakes WHERE actor_key=?`, key)
	return err
}

func (s *sqliteStore) ListWakes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor_key,wake_at FROM wakes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wakes := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var ms int64
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		wakes[key] = fromMillis(ms)
	}
	return wakes, rows.Err()
}
