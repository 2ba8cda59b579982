package callguard

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/harunnryd/callguard/pkg/relay"
)

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int64  `json:"active_calls"`
	Observers   int    `json:"observers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		ActiveCalls: e.registry.Count(),
		Observers:   e.hub.Count(),
	}
	status := http.StatusOK
	if e.registry.Draining() {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (e *Engine) handleListCalls(w http.ResponseWriter, r *http.Request) {
	relays := e.registry.Snapshot()
	out := make([]relay.Info, 0, len(relays))
	for _, rl := range relays {
		out = append(out, rl.Info())
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *Engine) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rl, ok := e.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rl.Info())
}

// handleCloseCall stops monitoring a call. The call itself stays up.
func (e *Engine) handleCloseCall(w http.ResponseWriter, r *http.Request) {
	rl, ok := e.lookup(w, r)
	if !ok {
		return
	}
	rl.Close()
	select {
	case <-rl.Done():
	case <-r.Context().Done():
		return
	}
	e.logger.Info("relay_closed_by_admin", slog.String("call_id", rl.CallID()))
	writeJSON(w, http.StatusOK, rl.Info())
}

func (e *Engine) lookup(w http.ResponseWriter, r *http.Request) (*relay.Relay, bool) {
	callID := chi.URLParam(r, "callSid")
	rl, err := e.registry.Lookup(callID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, relay.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return nil, false
	}
	return rl, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
