// Package bus implements Trinity's durable priority pub/sub message bus:
// the communication spine between WITNESS, ARCHITECT, and EXECUTOR.
//
// SQLite is the durability and ordering source of truth, grounded in the
// original trinity_protocol message bus: every publish is a committed row,
// every subscriber drain and redelivery is a query against that row, and a
// message remains pending until explicitly acked. Layered on top is the
// teacher's embedded NATS connection, used only to wake subscribers
// promptly after a publish instead of making them poll on a timer — NATS
// carries no payload of record, so losing a notification costs latency,
// never a message.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/trinity-protocol/trinity/internal/sqliteutil"
)

// notifySubject is the NATS subject new publishes are announced on, scoped
// per queue so a subscriber only wakes for traffic it cares about.
func notifySubject(queue string) string {
	return "trinity.bus." + queue + ".notify"
}

// Bus is a durable, priority-ordered, multi-subscriber message queue.
type Bus struct {
	db  *sql.DB
	nc  *nats.Conn
	log zerolog.Logger

	mu         sync.Mutex
	wakeChans  map[string][]chan struct{}
	firstDrain map[string]bool
}

// New opens (or creates) the bus database at path. nc is an optional NATS
// connection used purely for subscriber wake-ups; a nil nc degrades
// gracefully to in-process-only notification, which is all a single-process
// bus ever needs.
func New(path string, nc *nats.Conn, log zerolog.Logger) (*Bus, error) {
	db, err := sqliteutil.Open(path, schema)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	return &Bus{
		db:         db,
		nc:         nc,
		log:        log.With().Str("component", "bus").Logger(),
		wakeChans:  make(map[string][]chan struct{}),
		firstDrain: make(map[string]bool),
	}, nil
}

// Close releases the underlying database handle.
func (b *Bus) Close() error {
	return b.db.Close()
}

// Publish commits a message to queue and wakes any live subscribers.
// priority is caller-defined; higher values are delivered first. An empty
// correlationID is stored as NULL so ByCorrelation only matches messages
// that were explicitly tagged.
func (b *Bus) Publish(ctx context.Context, queue string, payload map[string]any, priority int, correlationID string) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("bus: marshal payload: %w", err)
	}

	var corr sql.NullString
	if correlationID != "" {
		corr = sql.NullString{String: correlationID, Valid: true}
	}

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO messages (queue_name, message_data, priority, correlation_id, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		queue, string(data), priority, corr, time.Now().UTC().Format(timeLayout), statusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("bus: insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("bus: last insert id: %w", err)
	}

	b.wake(queue)
	if b.nc != nil {
		_ = b.nc.Publish(notifySubject(queue), []byte(fmt.Sprintf("%d", id)))
	}

	b.log.Debug().Str("queue", queue).Int64("id", id).Int("priority", priority).Msg("published")
	return id, nil
}

// wake pings every currently registered subscriber of queue, non-blocking.
func (b *Bus) wake(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.wakeChans[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (b *Bus) register(queue string) (ch chan struct{}, isFirst bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch = make(chan struct{}, 1)
	b.wakeChans[queue] = append(b.wakeChans[queue], ch)
	isFirst = !b.firstDrain[queue]
	b.firstDrain[queue] = true
	return ch, isFirst
}

func (b *Bus) unregister(queue string, target chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans := b.wakeChans[queue]
	for i, ch := range chans {
		if ch == target {
			b.wakeChans[queue] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

// Subscribe returns a channel of messages for queue. The first subscriber
// ever registered against a given Bus instance drains every currently
// pending message (startup drain, highest priority first, then oldest
// first within a priority); every later
// subscriber only sees messages published after it subscribed, since the
// backlog was already claimed. Both cases then fan out every subsequent
// publish to all live subscribers. The returned channel is closed when ctx
// is canceled.
func (b *Bus) Subscribe(ctx context.Context, queue string) (<-chan Message, error) {
	wake, isFirst := b.register(queue)

	var lastID int64
	if !isFirst {
		row := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages WHERE queue_name = ?`, queue)
		if err := row.Scan(&lastID); err != nil {
			b.unregister(queue, wake)
			return nil, fmt.Errorf("bus: snapshot max id: %w", err)
		}
	}

	var natsSub *nats.Subscription
	if b.nc != nil {
		sub, err := b.nc.Subscribe(notifySubject(queue), func(*nats.Msg) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			b.log.Warn().Err(err).Str("queue", queue).Msg("nats wake subscription failed, using in-process wake only")
		} else {
			natsSub = sub
		}
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer b.unregister(queue, wake)
		if natsSub != nil {
			defer natsSub.Unsubscribe()
		}

		for {
			msgs, newLast, err := b.fetchPending(ctx, queue, lastID)
			if err != nil {
				b.log.Error().Err(err).Str("queue", queue).Msg("subscriber poll failed")
			} else {
				lastID = newLast
				for _, m := range msgs {
					select {
					case out <- m:
					case <-ctx.Done():
						return
					}
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
		}
	}()

	return out, nil
}

func (b *Bus) fetchPending(ctx context.Context, queue string, afterID int64) ([]Message, int64, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue_name, message_data, priority, correlation_id, created_at, processed_at, status
		 FROM messages
		 WHERE queue_name = ? AND status = ? AND id > ?
		 ORDER BY priority DESC, created_at ASC`,
		queue, statusPending, afterID,
	)
	if err != nil {
		return nil, afterID, err
	}
	defer rows.Close()

	maxID := afterID
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, afterID, err
		}
		if m.ID > maxID {
			maxID = m.ID
		}
		out = append(out, m)
	}
	return out, maxID, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		m           Message
		data        string
		corr        sql.NullString
		createdAt   string
		processedAt sql.NullString
	)
	if err := row.Scan(&m.ID, &m.QueueName, &data, &m.Priority, &corr, &createdAt, &processedAt, &m.Status); err != nil {
		return Message{}, fmt.Errorf("bus: scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(data), &m.Payload); err != nil {
		return Message{}, fmt.Errorf("bus: unmarshal payload: %w", err)
	}
	if corr.Valid {
		m.CorrelationID = corr.String
	}
	ts, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("bus: parse created_at: %w", err)
	}
	m.CreatedAt = ts
	if processedAt.Valid {
		pt, err := time.Parse(timeLayout, processedAt.String)
		if err != nil {
			return Message{}, fmt.Errorf("bus: parse processed_at: %w", err)
		}
		m.ProcessedAt = &pt
	}
	return m, nil
}

// Ack marks id processed. Acking an already-processed or nonexistent id is a
// no-op, not an error, so callers never need to guard against double-ack.
func (b *Bus) Ack(ctx context.Context, id int64) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		statusProcessed, time.Now().UTC().Format(timeLayout), id, statusPending,
	)
	if err != nil {
		return fmt.Errorf("bus: ack message %d: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of unacked messages on queue.
func (b *Bus) PendingCount(ctx context.Context, queue string) (int, error) {
	var n int
	row := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue_name = ? AND status = ?`, queue, statusPending)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("bus: pending count: %w", err)
	}
	return n, nil
}

// ByCorrelation returns every message (any queue, any status) tagged with
// correlationID, oldest first — used to reconstruct a signal's full
// WITNESS → ARCHITECT → EXECUTOR → telemetry trail.
func (b *Bus) ByCorrelation(ctx context.Context, correlationID string) ([]Message, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, queue_name, message_data, priority, correlation_id, created_at, processed_at, status
		 FROM messages WHERE correlation_id = ? ORDER BY created_at ASC`,
		correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("bus: by correlation: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// QueueStats reports pending and processed counts for queue.
func (b *Bus) QueueStats(ctx context.Context, queue string) (Stats, error) {
	stats := Stats{QueueName: queue}
	row := b.db.QueryRowContext(ctx,
		`SELECT
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END)
		 FROM messages WHERE queue_name = ?`,
		statusPending, statusProcessed, queue,
	)
	var pending, processed sql.NullInt64
	if err := row.Scan(&pending, &processed); err != nil {
		return stats, fmt.Errorf("bus: queue stats: %w", err)
	}
	stats.Pending = int(pending.Int64)
	stats.Processed = int(processed.Int64)
	return stats, nil
}

// Stats reports bus-wide totals: the overall message count, a breakdown by
// status, a breakdown by queue, and the number of live subscribers per
// queue. Unlike QueueStats, which is a single-queue view, Stats aggregates
// across every queue the bus has ever seen a message on.
func (b *Bus) Stats(ctx context.Context) (GlobalStats, error) {
	stats := GlobalStats{
		ByStatus:          make(map[string]int),
		ByQueue:           make(map[string]int),
		ActiveSubscribers: make(map[string]int),
	}

	statusRows, err := b.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("bus: stats by status: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var n int
		if err := statusRows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("bus: scan stats by status: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := statusRows.Err(); err != nil {
		return stats, fmt.Errorf("bus: stats by status: %w", err)
	}

	queueRows, err := b.db.QueryContext(ctx, `SELECT queue_name, COUNT(*) FROM messages GROUP BY queue_name`)
	if err != nil {
		return stats, fmt.Errorf("bus: stats by queue: %w", err)
	}
	defer queueRows.Close()
	for queueRows.Next() {
		var queue string
		var n int
		if err := queueRows.Scan(&queue, &n); err != nil {
			return stats, fmt.Errorf("bus: scan stats by queue: %w", err)
		}
		stats.ByQueue[queue] = n
	}
	if err := queueRows.Err(); err != nil {
		return stats, fmt.Errorf("bus: stats by queue: %w", err)
	}

	b.mu.Lock()
	for queue, chans := range b.wakeChans {
		stats.ActiveSubscribers[queue] = len(chans)
	}
	b.mu.Unlock()

	return stats, nil
}
