// Package exchange implements the persisted question/answer log.
//
// Entries live in a flat key-value store: the global counter under qa_counter
// and one JSON document per exchange under exchange_<n>. An answer is always
// paired with the entry at the current counter value, i.e. the most recently
// recorded question.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avatarlink/avatarlink/internal/domain"
	"github.com/avatarlink/avatarlink/internal/store"
)

// CounterKey holds the decimal value of the highest assigned sequence number.
const CounterKey = "qa_counter"

// ErrNotFound is returned by Get when no entry exists for the id.
var ErrNotFound = errors.New("exchange not found")

// Key returns the store key of the exchange with sequence number n.
func Key(n int) string {
	return "exchange_" + strconv.Itoa(n)
}

// Log is the append-and-patch exchange log.
type Log struct {
	mu      sync.Mutex
	kv      store.Store
	counter int // in-memory mirror of qa_counter
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// Open loads the counter mirror from kv and returns the log.
func Open(ctx context.Context, kv store.Store, opts ...Option) (*Log, error) {
	l := &Log{
		kv:     kv,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}

	n, err := l.readCounter(ctx)
	if err != nil {
		return nil, err
	}
	l.counter = n
	return l, nil
}

// Counter returns the in-memory counter mirror.
func (l *Log) Counter() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// RecordQuestion assigns the next sequence number and stores a waiting entry.
func (l *Log) RecordQuestion(ctx context.Context, question string) (domain.Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.counter + 1
	entry := domain.Exchange{
		ID:        next,
		Question:  question,
		CreatedAt: l.now(),
		Status:    domain.StatusWaiting,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("encode %s: %w", Key(next), err)
	}
	if err := l.kv.Set(ctx, CounterKey, strconv.Itoa(next)); err != nil {
		return domain.Exchange{}, fmt.Errorf("store counter: %w", err)
	}
	l.counter = next
	if err := l.kv.Set(ctx, Key(next), string(data)); err != nil {
		return domain.Exchange{}, fmt.Errorf("store %s: %w", Key(next), err)
	}

	l.logger.Debug("Stored exchange question", "key", Key(next))
	return entry, nil
}

// RecordAnswer completes the entry at the current counter value. It returns
// nil without error when that entry does not exist.
func (l *Log) RecordAnswer(ctx context.Context, answer string) (*domain.Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := Key(l.counter)
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	var entry domain.Exchange
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	entry.Complete(answer, l.now())

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := l.kv.Set(ctx, key, string(data)); err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}

	l.logger.Debug("Updated exchange with answer", "key", key)
	return &entry, nil
}

// List returns entries 1 through the persisted counter in order. Missing
// entries are skipped, unparseable ones are skipped with a warning, and an
// absent answer is replaced by domain.MissingAnswer.
func (l *Log) List(ctx context.Context) ([]domain.Exchange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.readCounter(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Exchange, 0, count)
	for i := 1; i <= count; i++ {
		key := Key(i)
		raw, ok, err := l.kv.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", key, err)
		}
		if !ok {
			continue
		}

		var entry domain.Exchange
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			l.logger.Warn("Skipping unparseable exchange", "key", key, "error", err)
			continue
		}
		if entry.Answer == nil {
			placeholder := domain.MissingAnswer
			entry.Answer = &placeholder
		}
		out = append(out, entry)
	}
	return out, nil
}

// Get returns a single entry as stored.
func (l *Log) Get(ctx context.Context, id int) (*domain.Exchange, error) {
	key := Key(id)
	raw, ok, err := l.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	var entry domain.Exchange
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &entry, nil
}

// Clear deletes every entry up to the persisted counter, then the counter itself.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.readCounter(ctx)
	if err != nil {
		return err
	}
	for i := 1; i <= count; i++ {
		if err := l.kv.Delete(ctx, Key(i)); err != nil {
			return fmt.Errorf("delete %s: %w", Key(i), err)
		}
	}
	if err := l.kv.Delete(ctx, CounterKey); err != nil {
		return fmt.Errorf("delete counter: %w", err)
	}
	l.counter = 0

	l.logger.Info("Cleared exchange log", "entries", count)
	return nil
}

func (l *Log) readCounter(ctx context.Context) (int, error) {
	raw, ok, err := l.kv.Get(ctx, CounterKey)
	if err != nil {
		return 0, fmt.Errorf("load counter: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		l.logger.Warn("Ignoring invalid exchange counter", "value", raw)
		return 0, nil
	}
	return n, nil
}
