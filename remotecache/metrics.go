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
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	meter = otel.Meter("github.com/cardinalhq/buildlake/remotecache")

	blobsWrittenCounter metric.Int64Counter
	cacheHitCounter     metric.Int64Counter
	cacheMissCounter    metric.Int64Counter
)

func init() {
	var err error
	if blobsWrittenCounter, err = meter.Int64Counter("buildlake.cache.blobs_written"); err != nil {
		panic(fmt.Errorf("failed to create blobs_written counter: %w", err))
	}
	if cacheHitCounter, err = meter.Int64Counter("buildlake.cache.hits"); err != nil {
		panic(fmt.Errorf("failed to create hits counter: %w", err))
	}
	if cacheMissCounter, err = meter.Int64Counter("buildlake.cache.misses"); err != nil {
		panic(fmt.Errorf("failed to create misses counter: %w", err))
	}
}
