package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"
)

// HandleChosen returns the current chosen-set snapshot. The snapshot is
// immutable; this reads whatever rebuild published last and never waits on
// the worker.
func (c *Controller) HandleChosen(w http.ResponseWriter, r *http.Request) {
	logic := c.App.Manager.Logic()
	chosen := logic.Chosen()
	if chosen == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "chosen set not built yet"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"seq":        chosen.Seq,
		"builtAt":    chosen.BuiltAt,
		"size":       chosen.Size(),
		"target":     logic.TargetSize(),
		"round":      logic.Round(),
		"identities": chosen.Identities,
	})
}

// HandleValidators lists every known validator with its trust flag, origins
// and score.
func (c *Controller) HandleValidators(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.App.Manager.Logic().ValidatorStatuses())
}

// HandleSources lists every configured source with its freshness state.
func (c *Controller) HandleSources(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.App.Manager.Logic().SourceStatuses())
}
