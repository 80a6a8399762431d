package state

import (
	"context"
	"encoding/json"
	"strings"
)

const RuntimeKey = "mirror:runtime"

// Runtime is the operator-tunable slice of configuration persisted across
// restarts, so a /disable or ratio change survives a redeploy.
type Runtime struct {
	Enabled                bool     `json:"enabled"`
	CopyRatio              float64  `json:"copy_ratio"`
	MaxNotionalPerOrderUSD float64  `json:"max_notional_per_order_usd"`
	Tif                    string   `json:"tif"`
	CopyMode               string   `json:"copy_mode"`
	LeaderAddresses        []string `json:"leader_addresses"`
	UpdatedAtMS            int64    `json:"updated_at_ms"`
}

func LoadRuntime(ctx context.Context, store Store) (Runtime, bool, error) {
	if store == nil {
		return Runtime{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, RuntimeKey)
	if err != nil {
		return Runtime{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return Runtime{}, false, nil
	}
	var runtime Runtime
	if err := json.Unmarshal([]byte(raw), &runtime); err != nil {
		return Runtime{}, false, err
	}
	return runtime, true, nil
}

func SaveRuntime(ctx context.Context, store Store, runtime Runtime) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(runtime)
	if err != nil {
		return err
	}
	return store.Set(ctx, RuntimeKey, string(payload))
}
