package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// fakeTransport records pushed frames and can be told to fail.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	pings   int
	closed  bool
	pushErr error
	pingErr error
}

func (t *fakeTransport) Push(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pushErr != nil {
		return t.pushErr
	}
	t.frames = append(t.frames, frame)
	return nil
}

func (t *fakeTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	return t.pingErr
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

func (t *fakeTransport) lastFrame() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil
	}
	return t.frames[len(t.frames)-1]
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func TestRegisterSendsConnectedAck(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tr := &fakeTransport{}

	conn, err := r.Register("user-1", "app-1", tr, []string{"notification"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if tr.frameCount() != 1 {
		t.Fatalf("expected one ack frame, got %d", tr.frameCount())
	}

	var ack struct {
		Type          string   `json:"type"`
		ConnectionID  string   `json:"connectionId"`
		Subscriptions []string `json:"subscriptions"`
	}
	if err := json.Unmarshal(tr.lastFrame(), &ack); err != nil {
		t.Fatalf("ack is not valid JSON: %v", err)
	}
	if ack.Type != "connected" {
		t.Errorf("expected type connected, got %q", ack.Type)
	}
	if ack.ConnectionID != conn.ID.String() {
		t.Errorf("ack carries wrong connection id: %s", ack.ConnectionID)
	}
	if len(ack.Subscriptions) != 1 || ack.Subscriptions[0] != "notification" {
		t.Errorf("ack carries wrong subscriptions: %v", ack.Subscriptions)
	}
}

func TestRegisterEnforcesPerUserLimit(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	for i := 0; i < MaxConnectionsPerUser; i++ {
		if _, err := r.Register("user-1", "app-1", &fakeTransport{}, nil); err != nil {
			t.Fatalf("connection %d refused: %v", i+1, err)
		}
	}

	_, err := r.Register("user-1", "app-1", &fakeTransport{}, nil)
	if !errors.Is(err, ErrConnectionLimit) {
		t.Fatalf("expected ErrConnectionLimit, got %v", err)
	}
	if got := r.Count(); got != MaxConnectionsPerUser {
		t.Errorf("expected %d connections, got %d", MaxConnectionsPerUser, got)
	}

	// The cap is per user, not global.
	if _, err := r.Register("user-2", "app-1", &fakeTransport{}, nil); err != nil {
		t.Errorf("another user's connection refused: %v", err)
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	tr := &fakeTransport{}

	conn, err := r.Register("user-1", "app-1", tr, nil)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	r.Deregister("user-1", conn.ID)
	if !tr.isClosed() {
		t.Error("deregister must close the transport")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}

	// Second deregister is a no-op.
	r.Deregister("user-1", conn.ID)
	if r.Count() != 0 {
		t.Error("double deregister corrupted the registry")
	}
}

func TestUpdateSubscriptions(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	conn, err := r.Register("user-1", "app-1", &fakeTransport{}, []string{"notification"})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	if !r.UpdateSubscriptions("user-1", conn.ID, []string{"user.*", "session"}) {
		t.Fatal("update reported unknown connection")
	}

	got := conn.Subscriptions()
	if len(got) != 2 || got[0] != "user.*" || got[1] != "session" {
		t.Errorf("subscriptions not replaced: %v", got)
	}

	if r.UpdateSubscriptions("user-1", conn.ID, nil) != true {
		t.Error("clearing subscriptions should succeed")
	}
	if len(conn.Subscriptions()) != 0 {
		t.Error("subscriptions not cleared")
	}

	r.Deregister("user-1", conn.ID)
	if r.UpdateSubscriptions("user-1", conn.ID, []string{"x"}) {
		t.Error("update on a deregistered connection must report false")
	}
}

func TestRegistryStats(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := r.Register("user-1", "app-1", &fakeTransport{}, nil); err != nil {
			t.Fatalf("register failed: %v", err)
		}
	}
	if _, err := r.Register("user-2", "app-1", &fakeTransport{}, nil); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	st := r.Stats()
	if st.TotalConnections != 4 {
		t.Errorf("expected 4 total connections, got %d", st.TotalConnections)
	}
	if st.UserCounts["user-1"] != 3 || st.UserCounts["user-2"] != 1 {
		t.Errorf("unexpected per-user counts: %v", st.UserCounts)
	}
}

func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%d", i)
			for j := 0; j < 50; j++ {
				conn, err := r.Register(userID, "app-1", &fakeTransport{}, nil)
				if err != nil {
					continue
				}
				r.UpdateSubscriptions(userID, conn.ID, []string{"notification"})
				r.Deregister(userID, conn.ID)
			}
		}(i)
	}
	wg.Wait()

	if r.Count() != 0 {
		t.Errorf("expected empty registry after churn, got %d", r.Count())
	}
}
