package controller

import (
	"net/http"

	"github.com/go-jose/go-jose/v4/json"

	"github.com/trustnet/unlx/pkg/unl"
)

// queued is the standard accepted-response body: the request became a task,
// the worker applies it on its next turn.
func queued(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func badRequest(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HandleSourceAdd registers a new source. The body selects the variant:
//
//	{"kind": "url", "url": "https://example.com/validators.txt"}
//	{"kind": "file", "path": "/etc/unlx/validators.txt"}
//	{"kind": "strings", "name": "ops", "validators": ["ab..", "cd.."]}
func (c *Controller) HandleSourceAdd(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Kind       string   `json:"kind"`
		Name       string   `json:"name"`
		URL        string   `json:"url"`
		Path       string   `json:"path"`
		Validators []string `json:"validators"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}

	switch unl.Kind(in.Kind) {
	case unl.KindURL:
		if in.URL == "" {
			badRequest(w, "url is required")
			return
		}
		c.App.Manager.AddURL(in.URL)
	case unl.KindFile:
		if in.Path == "" {
			badRequest(w, "path is required")
			return
		}
		c.App.Manager.AddFile(in.Path)
	case unl.KindStrings:
		if in.Name == "" || len(in.Validators) == 0 {
			badRequest(w, "name and validators are required")
			return
		}
		c.App.Manager.AddStrings(in.Name, in.Validators)
	default:
		badRequest(w, "unknown source kind: "+in.Kind)
		return
	}
	queued(w)
}

// HandleSourceRemove drops the source named by the ?name= query parameter.
func (c *Controller) HandleSourceRemove(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		badRequest(w, "name is required")
		return
	}
	c.App.Manager.RemoveSource(name)
	queued(w)
}

// HandleRebuild forces a chosen-set rebuild outside the check cycle.
func (c *Controller) HandleRebuild(w http.ResponseWriter, r *http.Request) {
	c.App.Manager.Rebuild()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"chosen_list": "rebuilding"})
}

// HandleValidation ingests one signed-validation observation.
func (c *Controller) HandleValidation(w http.ResponseWriter, r *http.Request) {
	var in unl.ReceivedValidation
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if in.Validator == "" || in.LedgerHash == "" {
		badRequest(w, "validator and ledgerHash are required")
		return
	}
	c.App.Manager.ReceiveValidation(in)
	queued(w)
}

// HandleLedgerClosed ingests a ledger-close notification.
func (c *Controller) HandleLedgerClosed(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "bad json")
		return
	}
	if in.Hash == "" {
		badRequest(w, "hash is required")
		return
	}
	c.App.Manager.LedgerClosed(in.Hash)
	queued(w)
}
