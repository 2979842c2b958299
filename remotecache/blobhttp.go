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

package remotecache

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cardinalhq/buildlake/internal/persist"
)

// BlobHandler serves stored CAS blobs over HTTP so that file references in
// invocation state resolve in a browser. The trailing name segment only
// gives the download a file name.
type BlobHandler struct {
	logger *slog.Logger
	cache  persist.CacheProvider
}

func NewBlobHandler(logger *slog.Logger, cache persist.CacheProvider) *BlobHandler {
	return &BlobHandler{logger: logger, cache: cache}
}

// Register mounts the handler on mux under GET /blobs/{hash}/{size}/{name}.
func (h *BlobHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /blobs/{hash}/{size}/{name}", h.getBlob)
}

func (h *BlobHandler) getBlob(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	size, err := strconv.ParseInt(r.PathValue("size"), 10, 64)
	if err != nil {
		http.Error(w, "malformed size", http.StatusBadRequest)
		return
	}

	data, err := h.cache.FetchBlob(r.Context(), hash)
	if errors.Is(err, persist.ErrNotFound) {
		http.Error(w, fmt.Sprintf("Blob for %s not found", hash), http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to fetch blob", slog.String("hash", hash), slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if size != int64(len(data)) {
		http.Error(w, fmt.Sprintf("Expected size to be %d, but got %d", len(data), size), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", mimetype.Detect(data).String())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
