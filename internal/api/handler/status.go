package handler

import (
	"net/http"

	"github.com/kiranshivaraju/mindscope/internal/api/response"
	"github.com/kiranshivaraju/mindscope/internal/cache"
	"github.com/kiranshivaraju/mindscope/internal/push"
)

// StatusSources supplies the engine state reported by GET /api/v1/status.
// Push is nil when the push channel is disabled.
type StatusSources struct {
	Push     func() push.Status
	Monitors func() int
	InFlight func() int
	Caches   map[string]func() cache.Stats
}

type statusResponse struct {
	Push        *push.Status           `json:"push"`
	PushEnabled bool                   `json:"pushEnabled"`
	Monitors    int                    `json:"activeMonitors"`
	InFlight    int                    `json:"inFlightSubmissions"`
	Caches      map[string]cache.Stats `json:"caches"`
}

// NewStatusHandler returns the handler for GET /api/v1/status.
func NewStatusHandler(src StatusSources) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := statusResponse{Caches: make(map[string]cache.Stats, len(src.Caches))}
		if src.Push != nil {
			st := src.Push()
			resp.Push = &st
			resp.PushEnabled = true
		}
		if src.Monitors != nil {
			resp.Monitors = src.Monitors()
		}
		if src.InFlight != nil {
			resp.InFlight = src.InFlight()
		}
		for name, stats := range src.Caches {
			resp.Caches[name] = stats()
		}
		response.JSON(w, resp)
	}
}
