package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/avatarlink/avatarlink/internal/domain"
	"github.com/avatarlink/avatarlink/internal/store"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openLog(t *testing.T, kv store.Store) *Log {
	t.Helper()
	l, err := Open(context.Background(), kv, WithClock(fixedClock()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l
}

func TestRecordQuestionThenAnswer(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, store.NewMemory())

	q, err := l.RecordQuestion(ctx, "what is go?")
	if err != nil {
		t.Fatalf("RecordQuestion failed: %v", err)
	}
	if q.ID != 1 || q.Status != domain.StatusWaiting || q.Answer != nil {
		t.Fatalf("Unexpected question entry: %+v", q)
	}

	a, err := l.RecordAnswer(ctx, "a programming language")
	if err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if a == nil {
		t.Fatal("Expected updated entry")
	}
	if a.Status != domain.StatusCompleted {
		t.Errorf("Expected completed, got %s", a.Status)
	}
	if a.Answer == nil || *a.Answer != "a programming language" {
		t.Errorf("Unexpected answer: %v", a.Answer)
	}
	if a.AnsweredAt == nil || !a.AnsweredAt.After(a.CreatedAt) {
		t.Errorf("Expected answer timestamp after creation, got %v", a.AnsweredAt)
	}

	stored, err := l.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.IsCompleted() || *stored.Answer != "a programming language" {
		t.Errorf("Stored entry not patched: %+v", stored)
	}
}

func TestRecordAnswerWithoutQuestionIsNoop(t *testing.T) {
	kv := store.NewMemory()
	l := openLog(t, kv)

	got, err := l.RecordAnswer(context.Background(), "orphan")
	if err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected nil entry, got %+v", got)
	}
	if kv.Len() != 0 {
		t.Fatalf("Expected no writes, store has %d keys", kv.Len())
	}
}

func TestAnswerPairsWithLatestQuestion(t *testing.T) {
	ctx := context.Background()
	l := openLog(t, store.NewMemory())

	for _, q := range []string{"first", "second"} {
		if _, err := l.RecordQuestion(ctx, q); err != nil {
			t.Fatalf("RecordQuestion failed: %v", err)
		}
	}
	if _, err := l.RecordAnswer(ctx, "reply"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}

	first, _ := l.Get(ctx, 1)
	second, _ := l.Get(ctx, 2)
	if first.IsCompleted() {
		t.Error("Expected first question to stay waiting")
	}
	if !second.IsCompleted() {
		t.Error("Expected second question to be completed")
	}
}

func TestListOrderAndPlaceholder(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	l := openLog(t, kv)

	for _, q := range []string{"one", "two", "three", "four"} {
		if _, err := l.RecordQuestion(ctx, q); err != nil {
			t.Fatalf("RecordQuestion failed: %v", err)
		}
	}
	if _, err := l.RecordAnswer(ctx, "four!"); err != nil {
		t.Fatalf("RecordAnswer failed: %v", err)
	}
	// Corrupt one entry and remove another.
	if err := kv.Set(ctx, Key(2), "{not json"); err != nil {
		t.Fatal(err)
	}
	if err := kv.Delete(ctx, Key(3)); err != nil {
		t.Fatal(err)
	}

	got, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 entries, got %d: %+v", len(got), got)
	}
	if got[0].ID != 1 || got[1].ID != 4 {
		t.Errorf("Expected ids [1 4], got [%d %d]", got[0].ID, got[1].ID)
	}
	if got[0].Answer == nil || *got[0].Answer != domain.MissingAnswer {
		t.Errorf("Expected placeholder answer, got %v", got[0].Answer)
	}
	if *got[1].Answer != "four!" {
		t.Errorf("Expected recorded answer, got %q", *got[1].Answer)
	}
	for i := 1; i < len(got); i++ {
		if got[i].ID <= got[i-1].ID {
			t.Errorf("List not strictly increasing at %d", i)
		}
	}
}

func TestClearRestartsNumbering(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	l := openLog(t, kv)

	for i := 0; i < 3; i++ {
		if _, err := l.RecordQuestion(ctx, "q"); err != nil {
			t.Fatalf("RecordQuestion failed: %v", err)
		}
	}

	if err := l.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if kv.Len() != 0 {
		t.Fatalf("Expected empty store after clear, got %d keys", kv.Len())
	}

	got, err := l.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Expected empty list, got %+v", got)
	}

	q, err := l.RecordQuestion(ctx, "again")
	if err != nil {
		t.Fatalf("RecordQuestion failed: %v", err)
	}
	if q.ID != 1 {
		t.Errorf("Expected numbering to restart at 1, got %d", q.ID)
	}
}

func TestOpenResumesPersistedCounter(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory()
	first := openLog(t, kv)
	for i := 0; i < 2; i++ {
		if _, err := first.RecordQuestion(ctx, "q"); err != nil {
			t.Fatal(err)
		}
	}

	second := openLog(t, kv)
	if second.Counter() != 2 {
		t.Fatalf("Expected counter 2, got %d", second.Counter())
	}
	q, err := second.RecordQuestion(ctx, "next")
	if err != nil {
		t.Fatal(err)
	}
	if q.ID != 3 {
		t.Errorf("Expected id 3, got %d", q.ID)
	}
}

func TestOpenIgnoresInvalidCounter(t *testing.T) {
	kv := store.NewMemory()
	if err := kv.Set(context.Background(), CounterKey, "abc"); err != nil {
		t.Fatal(err)
	}
	l := openLog(t, kv)
	if l.Counter() != 0 {
		t.Errorf("Expected counter 0, got %d", l.Counter())
	}
}

func TestGetMissing(t *testing.T) {
	l := openLog(t, store.NewMemory())
	if _, err := l.Get(context.Background(), 42); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
