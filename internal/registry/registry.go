// Package registry keeps server-side bot configurations keyed by owner.
// Every read and write checks that the caller owns the bot.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeguard-bot/internal/errs"
	"tradeguard-bot/internal/strategy"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("bot not found")

// Desired is the lifecycle an owner asked for. It survives restarts so that
// running bots can be brought back.
type Desired string

const (
	DesiredIdle    Desired = "idle"
	DesiredEnabled Desired = "enabled"
	DesiredPaused  Desired = "paused"
)

type Record struct {
	Config    strategy.BotConfig `json:"config"`
	Desired   Desired            `json:"desired"`
	Archived  bool               `json:"archived"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func (r Record) ID() string      { return r.Config.ID }
func (r Record) OwnerID() string { return r.Config.OwnerID }

// Store persists records. GetBot returns ErrNotFound for unknown ids;
// ListBots skips archived records and returns every owner's bots when
// ownerID is empty.
type Store interface {
	PutBot(ctx context.Context, rec Record) error
	GetBot(ctx context.Context, id string) (Record, error)
	ListBots(ctx context.Context, ownerID string) ([]Record, error)
}

type Registry struct {
	store Store
	now   func() time.Time
	newID func() string
}

func New(store Store) *Registry {
	return &Registry{store: store, now: time.Now, newID: uuid.NewString}
}

// Create validates cfg and stores it under a new id owned by ownerID.
func (r *Registry) Create(ctx context.Context, ownerID string, cfg strategy.BotConfig) (Record, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Record{}, errs.New("create bot", errs.CodeForbidden, errs.WithMessage("owner is required"))
	}
	cfg.ID = r.newID()
	cfg.OwnerID = ownerID
	cfg = cfg.Normalize()
	if err := strategy.Validate(cfg); err != nil {
		return Record{}, err
	}
	now := r.now().UTC()
	rec := Record{Config: cfg, Desired: DesiredIdle, CreatedAt: now, UpdatedAt: now}
	if err := r.store.PutBot(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Registry) Get(ctx context.Context, ownerID, botID string) (Record, error) {
	rec, err := r.store.GetBot(ctx, botID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, errs.New("get bot", errs.CodeNotFound, errs.WithMessage(botID), errs.WithCause(err))
		}
		return Record{}, err
	}
	if rec.Archived {
		return Record{}, errs.New("get bot", errs.CodeNotFound, errs.WithMessage(botID), errs.WithCause(ErrNotFound))
	}
	if rec.OwnerID() != ownerID {
		return Record{}, errs.New("get bot", errs.CodeForbidden, errs.WithMessage(botID))
	}
	return rec, nil
}

// List returns ownerID's bots ordered by creation time.
func (r *Registry) List(ctx context.Context, ownerID string) ([]Record, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errs.New("list bots", errs.CodeForbidden, errs.WithMessage("owner is required"))
	}
	recs, err := r.store.ListBots(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// All returns every live bot regardless of owner. Restore uses it at startup.
func (r *Registry) All(ctx context.Context) ([]Record, error) {
	recs, err := r.store.ListBots(ctx, "")
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

// Update replaces the configuration of a bot, keeping its id and owner.
func (r *Registry) Update(ctx context.Context, ownerID, botID string, cfg strategy.BotConfig) (Record, error) {
	rec, err := r.Get(ctx, ownerID, botID)
	if err != nil {
		return Record{}, err
	}
	cfg.ID = rec.Config.ID
	cfg.OwnerID = rec.Config.OwnerID
	cfg = cfg.Normalize()
	if err := strategy.Validate(cfg); err != nil {
		return Record{}, err
	}
	rec.Config = cfg
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.PutBot(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (r *Registry) SetDesired(ctx context.Context, ownerID, botID string, desired Desired) (Record, error) {
	rec, err := r.Get(ctx, ownerID, botID)
	if err != nil {
		return Record{}, err
	}
	if rec.Desired == desired {
		return rec, nil
	}
	rec.Desired = desired
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.PutBot(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete archives the bot. Its ledger stays in storage.
func (r *Registry) Delete(ctx context.Context, ownerID, botID string) error {
	rec, err := r.Get(ctx, ownerID, botID)
	if err != nil {
		return err
	}
	rec.Archived = true
	rec.Desired = DesiredIdle
	rec.UpdatedAt = r.now().UTC()
	return r.store.PutBot(ctx, rec)
}

func sortRecords(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID() < recs[j].ID()
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	bots map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bots: make(map[string]Record)}
}

func (m *MemoryStore) PutBot(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots[rec.ID()] = rec
	return nil
}

func (m *MemoryStore) GetBot(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bots[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) ListBots(_ context.Context, ownerID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0)
	for _, rec := range m.bots {
		if rec.Archived {
			continue
		}
		if ownerID != "" && rec.OwnerID() != ownerID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
