package state

import (
	"context"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func TestRuntimeCheckpointRoundTrip(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	checkpoint := RuntimeCheckpoint{
		BotID:        "bot-1",
		Lifecycle:    "failed",
		Reason:       "place order: paper auth_failed",
		RealizedPnl:  "-12.5",
		OpenOrders:   1,
		CreatedAtMS:  1000,
		TransitionMS: 2000,
	}
	if err := SaveRuntimeCheckpoint(ctx, store, checkpoint); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	loaded, ok, err := LoadRuntimeCheckpoint(ctx, store, "bot-1")
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if !ok {
		t.Fatalf("expected checkpoint to be present")
	}
	if loaded != checkpoint {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}
	if err := DeleteRuntimeCheckpoint(ctx, store, "bot-1"); err != nil {
		t.Fatalf("delete checkpoint: %v", err)
	}
	if _, ok, _ := LoadRuntimeCheckpoint(ctx, store, "bot-1"); ok {
		t.Fatalf("expected checkpoint to be deleted")
	}
}

func TestRuntimeCheckpointMissing(t *testing.T) {
	if _, ok, err := LoadRuntimeCheckpoint(context.Background(), &memoryStore{}, "nope"); ok || err != nil {
		t.Fatalf("expected missing checkpoint, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := LoadRuntimeCheckpoint(context.Background(), nil, "nope"); ok || err != nil {
		t.Fatalf("expected nil store to report missing, got ok=%v err=%v", ok, err)
	}
}
