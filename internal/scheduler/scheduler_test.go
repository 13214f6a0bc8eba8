package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("noop", "* * * * *", func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 scheduled job, got %d", s.Len())
	}
}

func TestSchedulerAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	// Seconds field is not accepted by the five-field parser.
	if err := s.AddJob("bad", "*/5 * * * * *", func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for six-field expression")
	}
	if s.Len() != 0 {
		t.Errorf("Expected no scheduled jobs, got %d", s.Len())
	}
}

func TestPruneDedupJob(t *testing.T) {
	ctx := context.Background()
	mem := store.NewInMemoryStore()
	if _, err := mem.RecordInbound(ctx, "wamid.old", "15551234567"); err != nil {
		t.Fatalf("RecordInbound: %v", err)
	}

	// Long retention keeps the fresh record.
	if err := PruneDedupJob(mem, time.Hour)(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if isNew, _ := mem.RecordInbound(ctx, "wamid.old", "15551234567"); isNew {
		t.Error("Expected record within retention to survive")
	}

	// Negative retention puts the cutoff in the future.
	if err := PruneDedupJob(mem, -time.Minute)(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if isNew, _ := mem.RecordInbound(ctx, "wamid.old", "15551234567"); !isNew {
		t.Error("Expected record to be pruned")
	}
}

func TestPruneDedupJobUnavailable(t *testing.T) {
	err := PruneDedupJob(store.Unavailable{}, time.Hour)(context.Background())
	if !errors.Is(err, store.ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}
}
