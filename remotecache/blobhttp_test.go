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
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/buildlake/internal/persist"
)

func testBlobMux(t *testing.T) (*http.ServeMux, *persist.MemoryCacheProvider) {
	t.Helper()
	cache := persist.NewMemoryCacheProvider()
	mux := http.NewServeMux()
	NewBlobHandler(testLogger(), cache).Register(mux)
	return mux, cache
}

func TestBlobHandlerServesBlob(t *testing.T) {
	mux, cache := testBlobMux(t)
	body := "<html><body>test log</body></html>"
	require.NoError(t, cache.PersistBlob(context.Background(), testHash, []byte(body)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/blobs/%s/%d/test.log", testHash, len(body)), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html"),
		"got %q", rec.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("%d", len(body)), rec.Header().Get("Content-Length"))
}

func TestBlobHandlerSizeMismatch(t *testing.T) {
	mux, cache := testBlobMux(t)
	require.NoError(t, cache.PersistBlob(context.Background(), testHash, []byte("abcdef")))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/blobs/"+testHash+"/999/test.log", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlobHandlerNotFound(t *testing.T) {
	mux, _ := testBlobMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/blobs/"+testHash+"/4/missing.bin", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
