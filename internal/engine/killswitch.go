package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeskokaiser/altfragen-io-backend/internal/notify"
	"github.com/jeskokaiser/altfragen-io-backend/pkg/models"
)

// killSwitch disables the feature when a provider reports exhausted quota.
// One instance lives for exactly one cycle: the flag write may repeat, the
// alert goes out at most once per provider.
type killSwitch struct {
	e       *Engine
	where   string
	mu      sync.Mutex
	tripped map[models.ProviderName]bool
}

func (e *Engine) newKillSwitch(where string) *killSwitch {
	return &killSwitch{e: e, where: where, tripped: make(map[models.ProviderName]bool)}
}

// Trip writes feature_enabled=false and alerts on the first trip per provider.
// A failed flag write is returned so the cycle aborts instead of calling a
// provider that is out of quota again.
func (k *killSwitch) Trip(ctx context.Context, p models.ProviderName, cause error) error {
	werr := k.e.store.SetFeatureEnabled(ctx, false)

	k.mu.Lock()
	first := !k.tripped[p]
	k.tripped[p] = true
	k.mu.Unlock()

	if werr != nil {
		k.e.logger.Error("kill-switch could not disable feature", "provider", p, "cycle", k.where, "error", werr)
		if first {
			k.e.alert(ctx, notify.SeverityCritical, contextKillSwitch,
				fmt.Sprintf("AI commentary could NOT be disabled during %s: provider %s reported exhausted quota (%v) and the settings write failed: %v. Disable the feature manually.", k.where, p, cause, werr))
		}
		return fmt.Errorf("disabling feature after %s quota error: %w", p, werr)
	}

	if !first {
		return nil
	}
	k.e.logger.Warn("quota exhausted, feature disabled", "provider", p, "cycle", k.where, "error", cause)
	k.e.alert(ctx, notify.SeverityCritical, contextKillSwitch,
		fmt.Sprintf("AI commentary disabled during %s: provider %s reported exhausted quota: %v", k.where, p, cause))
	return nil
}

// Tripped reports whether any provider tripped the switch in this cycle.
func (k *killSwitch) Tripped() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tripped) > 0
}

// TrippedFor reports whether p tripped the switch in this cycle.
func (k *killSwitch) TrippedFor(p models.ProviderName) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tripped[p]
}

func (k *killSwitch) Providers() []models.ProviderName {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []models.ProviderName
	for _, p := range models.AllProviders() {
		if k.tripped[p] {
			out = append(out, p)
		}
	}
	return out
}
