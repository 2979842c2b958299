// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package dash exposes invocation state over HTTP for dashboards. Queries
// hit the live invocation when the build is still streaming and fall back
// to persisted state afterwards.
package dash

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cardinalhq/buildlake/invocation"
)

// Queryer resolves an invocation id to its current state.
type Queryer interface {
	QueryFor(invocationID string) *invocation.Invocation
}

type eventData struct {
	InvocationID string `json:"invocationId"`
	Payload      any    `json:"payload"`
}

type Handler struct {
	logger  *slog.Logger
	queryer Queryer
}

func NewHandler(logger *slog.Logger, queryer Queryer) *Handler {
	return &Handler{logger: logger, queryer: queryer}
}

// Register mounts the query endpoints on mux under /v1/query.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/query/{invocation}/details", h.query(func(ref *invocation.Ref) any {
		return ref.InvocationDetails
	}))
	mux.HandleFunc("GET /v1/query/{invocation}/hostdetails", h.query(func(ref *invocation.Ref) any {
		return ref.HostDetails
	}))
	mux.HandleFunc("GET /v1/query/{invocation}/workspacestatus", h.query(func(ref *invocation.Ref) any {
		return ref.WorkspaceStatus
	}))
	mux.HandleFunc("GET /v1/query/{invocation}/commandline", h.query(func(ref *invocation.Ref) any {
		return ref.CanonicalStructuredCommandLine
	}))
	mux.HandleFunc("GET /v1/query/{invocation}/filesets", h.query(func(ref *invocation.Ref) any {
		return ref.FileSets
	}))
	mux.HandleFunc("GET /v1/query/{invocation}/targets", h.query(func(ref *invocation.Ref) any {
		return ref.Targets
	}))
}

func (h *Handler) query(selector func(ref *invocation.Ref) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		invocationID := r.PathValue("invocation")
		inv := h.queryer.QueryFor(invocationID)
		if inv == nil {
			http.Error(w, "invocation "+invocationID+" not found", http.StatusNotFound)
			return
		}
		ref := inv.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eventData{
			InvocationID: invocationID,
			Payload:      selector(ref),
		}); err != nil {
			h.logger.Error("Failed to encode query response",
				slog.String("invocationId", invocationID),
				slog.Any("error", err))
		}
	}
}
