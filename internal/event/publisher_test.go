package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/oriva/platform/internal/db"
)

var errStoreDown = errors.New("store down")

type mockStore struct {
	events     []*db.PlatformEvent
	shouldFail bool
}

func (m *mockStore) InsertEvent(ctx context.Context, ev *db.PlatformEvent) error {
	if m.shouldFail {
		return errStoreDown
	}
	ev.CreatedAt = time.Now()
	m.events = append(m.events, ev)
	return nil
}

type mockConsumer struct {
	name     string
	received chan *db.PlatformEvent
	fail     bool
	panics   bool
}

func newMockConsumer(name string) *mockConsumer {
	return &mockConsumer{
		name:     name,
		received: make(chan *db.PlatformEvent, 16),
	}
}

func (m *mockConsumer) Name() string { return m.name }

func (m *mockConsumer) HandleEvent(ctx context.Context, ev *db.PlatformEvent) error {
	m.received <- ev
	if m.panics {
		panic("consumer exploded")
	}
	if m.fail {
		return errors.New("delivery failed")
	}
	return nil
}

func validInput() Input {
	return Input{
		AppID:         "app-1",
		UserID:        "user-1",
		EventCategory: db.CategoryNotification,
		EventType:     "created",
		EntityType:    "notification",
		EntityID:      "n-1",
		EventData:     json.RawMessage(`{"title":"hi"}`),
	}
}

func waitForEvent(t *testing.T, c *mockConsumer) *db.PlatformEvent {
	t.Helper()
	select {
	case ev := <-c.received:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("consumer %s never received the event", c.name)
		return nil
	}
}

func TestPublishValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Input)
		field   string
		wantErr bool
	}{
		{
			name:   "valid input publishes",
			mutate: func(in *Input) {},
		},
		{
			name:    "unknown category",
			mutate:  func(in *Input) { in.EventCategory = "billing" },
			field:   "event_category",
			wantErr: true,
		},
		{
			name:    "uppercase event type",
			mutate:  func(in *Input) { in.EventType = "Created" },
			field:   "event_type",
			wantErr: true,
		},
		{
			name:    "event type with dots",
			mutate:  func(in *Input) { in.EventType = "created.v2" },
			field:   "event_type",
			wantErr: true,
		},
		{
			name:    "empty event type",
			mutate:  func(in *Input) { in.EventType = "" },
			field:   "event_type",
			wantErr: true,
		},
		{
			name:    "missing entity type",
			mutate:  func(in *Input) { in.EntityType = "" },
			field:   "entity_type",
			wantErr: true,
		},
		{
			name:    "missing entity id",
			mutate:  func(in *Input) { in.EntityID = "" },
			field:   "entity_id",
			wantErr: true,
		},
		{
			name:    "missing app id",
			mutate:  func(in *Input) { in.AppID = "" },
			field:   "app_id",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			p := NewPublisher(store, zap.NewNop())

			in := validInput()
			tt.mutate(&in)

			ev, err := p.Publish(context.Background(), in)

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if ev == nil || len(store.events) != 1 {
					t.Fatalf("expected one persisted event, got %d", len(store.events))
				}
				return
			}

			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, verr.Field)
			}
			if len(store.events) != 0 {
				t.Error("validation failure must not write anything")
			}
		})
	}
}

func TestPublishFansOutToAllConsumers(t *testing.T) {
	store := &mockStore{}
	p := NewPublisher(store, zap.NewNop())

	c1 := newMockConsumer("realtime")
	c2 := newMockConsumer("webhook")
	p.Subscribe(c1)
	p.Subscribe(c2)

	ev, err := p.Publish(context.Background(), validInput())
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got1 := waitForEvent(t, c1)
	got2 := waitForEvent(t, c2)

	if got1.ID != ev.ID || got2.ID != ev.ID {
		t.Error("consumers received a different event than was published")
	}
}

func TestPublishStoreFailureSkipsConsumers(t *testing.T) {
	store := &mockStore{shouldFail: true}
	p := NewPublisher(store, zap.NewNop())

	c := newMockConsumer("realtime")
	p.Subscribe(c)

	_, err := p.Publish(context.Background(), validInput())
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	select {
	case <-c.received:
		t.Fatal("consumer must not run when the persist fails")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishSurvivesConsumerFailures(t *testing.T) {
	store := &mockStore{}
	p := NewPublisher(store, zap.NewNop())

	failing := newMockConsumer("failing")
	failing.fail = true
	panicking := newMockConsumer("panicking")
	panicking.panics = true
	healthy := newMockConsumer("healthy")

	p.Subscribe(failing)
	p.Subscribe(panicking)
	p.Subscribe(healthy)

	ev, err := p.Publish(context.Background(), validInput())
	if err != nil {
		t.Fatalf("publish must not surface consumer errors: %v", err)
	}

	waitForEvent(t, failing)
	waitForEvent(t, panicking)
	if got := waitForEvent(t, healthy); got.ID != ev.ID {
		t.Error("healthy consumer received the wrong event")
	}

	// A second publish still works after a consumer panicked.
	if _, err := p.Publish(context.Background(), validInput()); err != nil {
		t.Fatalf("publish after panic failed: %v", err)
	}
	waitForEvent(t, healthy)
}
