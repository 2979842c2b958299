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

// Package remotecache implements the caching surface of the remote
// execution API: action cache, CAS, resumable byte stream uploads and the
// capabilities descriptor, plus an HTTP fetch surface for stored blobs.
package remotecache

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Byte stream resource name grammars. Hashes are lowercase hex SHA-256.
var (
	writeResourceRe = regexp.MustCompile(`^(?:(.*?)/)?uploads/([a-f0-9-]{36})/blobs/([a-f0-9]{64})/(\d+)$`)
	readResourceRe  = regexp.MustCompile(`^(?:(.*?)/)?blobs/([a-f0-9]{64})/(\d+)$`)
)

type writeResource struct {
	instanceName string
	uploadID     uuid.UUID
	hash         string
	size         int64
}

func parseWriteResource(name string) (*writeResource, error) {
	m := writeResourceRe.FindStringSubmatch(name)
	if m == nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("malformed write resource name %q", name))
	}
	uploadID, err := uuid.Parse(m[2])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("malformed upload id in resource name %q", name))
	}
	size, err := strconv.ParseInt(m[4], 10, 64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("malformed size in resource name %q", name))
	}
	return &writeResource{
		instanceName: m[1],
		uploadID:     uploadID,
		hash:         m[3],
		size:         size,
	}, nil
}

type readResource struct {
	instanceName string
	hash         string
	size         int64
}

func parseReadResource(name string) (*readResource, error) {
	m := readResourceRe.FindStringSubmatch(name)
	if m == nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("malformed read resource name %q", name))
	}
	size, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("malformed size in resource name %q", name))
	}
	return &readResource{
		instanceName: m[1],
		hash:         m[2],
		size:         size,
	}, nil
}
