package state

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
)

const runtimeCheckpointPrefix = "runtime:"

// RuntimeCheckpoint is the last lifecycle a bot reported, kept so that bots
// without a live runtime still show where they ended.
type RuntimeCheckpoint struct {
	BotID         string `json:"bot_id"`
	Lifecycle     string `json:"lifecycle"`
	Reason        string `json:"reason"`
	RealizedPnl   string `json:"realized_pnl"`
	OpenOrders    int    `json:"open_orders"`
	CreatedAtMS   int64  `json:"created_at_ms"`
	TransitionMS  int64  `json:"transition_ms"`
	LastPrice     string `json:"last_price,omitempty"`
	TransientErrs int    `json:"transient_errors,omitempty"`
}

func runtimeCheckpointKey(botID string) string {
	return runtimeCheckpointPrefix + botID
}

func LoadRuntimeCheckpoint(ctx context.Context, store Store, botID string) (RuntimeCheckpoint, bool, error) {
	if store == nil {
		return RuntimeCheckpoint{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, runtimeCheckpointKey(botID))
	if err != nil {
		return RuntimeCheckpoint{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return RuntimeCheckpoint{}, false, nil
	}
	var checkpoint RuntimeCheckpoint
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		return RuntimeCheckpoint{}, false, err
	}
	return checkpoint, true, nil
}

func SaveRuntimeCheckpoint(ctx context.Context, store Store, checkpoint RuntimeCheckpoint) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return err
	}
	return store.Set(ctx, runtimeCheckpointKey(checkpoint.BotID), string(payload))
}

func DeleteRuntimeCheckpoint(ctx context.Context, store Store, botID string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, runtimeCheckpointKey(botID))
}
