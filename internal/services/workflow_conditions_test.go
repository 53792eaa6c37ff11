package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"servify/automation/internal/models"
)

func TestConditionEvaluator_Priority(t *testing.T) {
	db := newAutomationTestDB(t)
	eval := NewConditionEvaluator(NewGormTicketStore(db), quietLogger())
	ticket := seedTicket(t, db, 1, "URGENT", "open")
	ctx := context.Background()

	if !eval.Evaluate(ctx, PriorityCondition{Value: "URGENT"}, ticket.ID) {
		t.Fatal("expected priority URGENT to match")
	}
	if eval.Evaluate(ctx, PriorityCondition{Value: "NORMAL"}, ticket.ID) {
		t.Fatal("expected priority NORMAL not to match")
	}
	if !eval.Evaluate(ctx, StatusCondition{Value: "open"}, ticket.ID) {
		t.Fatal("expected status open to match")
	}
	if eval.Evaluate(ctx, StatusCondition{Value: "closed"}, ticket.ID) {
		t.Fatal("expected status closed not to match")
	}
}

func TestConditionEvaluator_HasTag(t *testing.T) {
	db := newAutomationTestDB(t)
	store := NewGormTicketStore(db)
	eval := NewConditionEvaluator(store, quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")
	ctx := context.Background()

	if eval.Evaluate(ctx, HasTagCondition{TagID: 5}, ticket.ID) {
		t.Fatal("tag 5 is not attached yet")
	}
	if err := store.AddTag(ctx, ticket.ID, 5); err != nil {
		t.Fatalf("AddTag: %v", err)
	}
	if !eval.Evaluate(ctx, HasTagCondition{TagID: 5}, ticket.ID) {
		t.Fatal("tag 5 should be attached")
	}
	if eval.Evaluate(ctx, HasTagCondition{TagID: 6}, ticket.ID) {
		t.Fatal("tag 6 was never attached")
	}
}

func TestConditionEvaluator_TimeElapsedBoundary(t *testing.T) {
	db := newAutomationTestDB(t)
	eval := NewConditionEvaluator(NewGormTicketStore(db), quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")

	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	if err := db.Model(&models.Ticket{}).Where("id = ?", ticket.ID).UpdateColumn("created_at", created).Error; err != nil {
		t.Fatalf("set created_at: %v", err)
	}

	tests := []struct {
		name    string
		elapsed time.Duration
		want    bool
	}{
		{"exactly 24h", 24 * time.Hour, true},
		{"23h59m", 23*time.Hour + 59*time.Minute, false},
		{"25h", 25 * time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval.now = func() time.Time { return created.Add(tt.elapsed) }
			got := eval.Evaluate(context.Background(), TimeElapsedCondition{Hours: hoursPtr(24)}, ticket.ID)
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionEvaluator_UnknownFailsOpen(t *testing.T) {
	db := newAutomationTestDB(t)
	eval := NewConditionEvaluator(NewGormTicketStore(db), quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")

	if !eval.Evaluate(context.Background(), UnknownCondition{Type: "sentiment"}, ticket.ID) {
		t.Fatal("unknown condition types should evaluate to true")
	}
}

func TestConditionEvaluator_TimeElapsedWithoutHours(t *testing.T) {
	db := newAutomationTestDB(t)
	eval := NewConditionEvaluator(NewGormTicketStore(db), quietLogger())
	ticket := seedTicket(t, db, 1, "normal", "open")

	cond, err := DecodeCondition(json.RawMessage(`{"type":"time_elapsed"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if c, ok := cond.(TimeElapsedCondition); !ok || c.Hours != nil {
		t.Fatalf("expected time_elapsed without hours, got %#v", cond)
	}
	if eval.Evaluate(context.Background(), cond, ticket.ID) {
		t.Fatal("time_elapsed without hours should not pass")
	}
}

func TestConditionEvaluator_MissingTicket(t *testing.T) {
	db := newAutomationTestDB(t)
	eval := NewConditionEvaluator(NewGormTicketStore(db), quietLogger())
	ctx := context.Background()

	for _, cond := range []Condition{
		PriorityCondition{Value: "normal"},
		StatusCondition{Value: "open"},
		TimeElapsedCondition{Hours: hoursPtr(0)},
	} {
		if eval.Evaluate(ctx, cond, 4242) {
			t.Errorf("%s on a missing ticket should be false", cond.ConditionType())
		}
	}
}
