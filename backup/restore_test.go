// Copyright 2026 ManaSmart
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backup

import (
	"errors"
	"strings"
	"testing"

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestorePartialFailureIsNotAnError(t *testing.T) {
	gw := &fakeGateway{
		restoreResp: &gateway.RestoreResponse{
			Sections: []gateway.RestoreSectionResult{
				{Section: "database", Merged: 42, Skipped: 7},
				{Section: "auth_users", Error: "permission denied"},
				{Section: "storage", Merged: 3},
			},
		},
	}
	o, _ := newTestOrchestrator(t, gw, newFakeRecords())

	result, err := o.Restore(
		t.Context(),
		"backup.zip",
		128,
		strings.NewReader("archive-bytes"),
	)
	require.NoError(t, err)
	require.Len(t, result.Sections, 3)
	warnings := result.Warnings()
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "auth_users")
	assert.Contains(t, warnings[0], "permission denied")
	assert.Equal(t, "backup.zip", gw.restoreName)
}

func TestRestoreTransportFailureIsHardError(t *testing.T) {
	gw := &fakeGateway{restoreErr: errors.New("upload reset")}
	o, _ := newTestOrchestrator(t, gw, newFakeRecords())

	_, err := o.Restore(
		t.Context(),
		"backup.tar.gz",
		64,
		strings.NewReader("archive-bytes"),
	)
	require.Error(t, err)
	assert.ErrorContains(t, err, "uploading restore archive")
}

func TestValidateRestoreArchive(t *testing.T) {
	const maxBytes = 1 << 20
	for _, tc := range []struct {
		name     string
		filename string
		size     int64
		wantErr  string
	}{
		{name: "zip ok", filename: "backup.zip", size: 100},
		{name: "tgz ok", filename: "b.tgz", size: 100},
		{name: "tar.gz ok", filename: "b.tar.gz", size: 100},
		{
			name:     "empty name",
			filename: "",
			size:     100,
			wantErr:  "filename is empty",
		},
		{
			name:     "path traversal",
			filename: "../../etc/backup.zip",
			size:     100,
			wantErr:  "unsafe archive filename",
		},
		{
			name:     "header injection",
			filename: "evil\r\n.zip",
			size:     100,
			wantErr:  "unsafe archive filename",
		},
		{
			name:     "hidden file",
			filename: ".backup.zip",
			size:     100,
			wantErr:  "unsafe archive filename",
		},
		{
			name:     "wrong type",
			filename: "backup.exe",
			size:     100,
			wantErr:  "unsupported archive type",
		},
		{
			name:     "empty archive",
			filename: "backup.zip",
			size:     0,
			wantErr:  "archive is empty",
		},
		{
			name:     "too large",
			filename: "backup.zip",
			size:     maxBytes + 1,
			wantErr:  "limit is",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := validateRestoreArchive(
				tc.filename,
				tc.size,
				maxBytes,
			)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestRestoreRejectsBeforeUpload(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(t, gw, newFakeRecords())

	_, err := o.Restore(
		t.Context(),
		"backup.rar",
		100,
		strings.NewReader("bytes"),
	)
	require.Error(t, err)
	// Nothing went over the wire
	assert.Empty(t, gw.restoreName)
}
