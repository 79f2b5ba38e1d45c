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

package records

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	rows    map[string]gateway.AttemptRecord
	listRes []gateway.AttemptRecord
	offline bool
}

var errRemoteDown = errors.New("remote store unreachable")

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string]gateway.AttemptRecord)}
}

func (r *fakeRemote) GetAttempt(
	_ context.Context,
	attemptID string,
) (*gateway.AttemptRecord, error) {
	if r.offline {
		return nil, errRemoteDown
	}
	row, ok := r.rows[attemptID]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := row
	return &cp, nil
}

func (r *fakeRemote) ListHistory(
	_ context.Context,
	_ gateway.HistoryQuery,
) ([]gateway.AttemptRecord, error) {
	if r.offline {
		return nil, errRemoteDown
	}
	return append([]gateway.AttemptRecord{}, r.listRes...), nil
}

func (r *fakeRemote) UpdateAttempt(
	_ context.Context,
	attemptID string,
	patch gateway.AttemptPatch,
) (*gateway.AttemptRecord, error) {
	if r.offline {
		return nil, errRemoteDown
	}
	row := r.rows[attemptID]
	row.ID = attemptID
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	if patch.ArtifactKey != nil {
		row.ArtifactKey = *patch.ArtifactKey
	}
	r.rows[attemptID] = row
	cp := row
	return &cp, nil
}

func newTestStore(t *testing.T) (*Store, *fakeRemote) {
	t.Helper()
	remote := newFakeRemote()
	store, err := New("", remote, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, remote
}

func TestGetAttemptFallsBackToMirror(t *testing.T) {
	store, remote := newTestStore(t)
	remote.rows["get-a1"] = gateway.AttemptRecord{
		ID:          "get-a1",
		Status:      gateway.StatusSuccess,
		ArtifactKey: "k1",
		SizeBytes:   1024,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	row, err := store.GetAttempt(t.Context(), "get-a1")
	require.NoError(t, err)
	assert.Equal(t, "k1", row.ArtifactKey)

	remote.offline = true
	row, err = store.GetAttempt(t.Context(), "get-a1")
	require.NoError(t, err)
	assert.Equal(t, "get-a1", row.ID)
	assert.Equal(t, gateway.StatusSuccess, row.Status)
	assert.Equal(t, "k1", row.ArtifactKey)
	assert.Equal(t, int64(1024), row.SizeBytes)
}

func TestGetAttemptOfflineMissReturnsRemoteError(t *testing.T) {
	store, remote := newTestStore(t)
	remote.offline = true

	_, err := store.GetAttempt(t.Context(), "get-missing")
	require.ErrorIs(t, err, errRemoteDown)
}

func TestListHistoryFallsBackWithFilters(t *testing.T) {
	store, remote := newTestStore(t)
	now := time.Now().UTC()
	remote.listRes = []gateway.AttemptRecord{
		{
			ID:        "list-a3",
			Status:    gateway.StatusSuccess,
			CreatedAt: now,
		},
		{
			ID:        "list-a2",
			Status:    gateway.StatusFailed,
			ErrorText: "disk full",
			CreatedAt: now.Add(-time.Hour),
		},
		{
			ID:        "list-a1",
			Status:    gateway.StatusSuccess,
			CreatedAt: now.Add(-2 * time.Hour),
		},
	}

	rows, err := store.ListHistory(t.Context(), gateway.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	remote.offline = true

	rows, err = store.ListHistory(t.Context(), gateway.HistoryQuery{
		StatusFilter: gateway.StatusSuccess,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first
	assert.Equal(t, "list-a3", rows[0].ID)
	assert.Equal(t, "list-a1", rows[1].ID)

	rows, err = store.ListHistory(t.Context(), gateway.HistoryQuery{
		SearchText: "disk",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "list-a2", rows[0].ID)

	rows, err = store.ListHistory(t.Context(), gateway.HistoryQuery{
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "list-a3", rows[0].ID)
}

func TestMirrorTerminalRowsImmutable(t *testing.T) {
	store, _ := newTestStore(t)
	store.mirror(t.Context(), gateway.AttemptRecord{
		ID:          "imm-a1",
		Status:      gateway.StatusSuccess,
		ArtifactKey: "k1",
	})
	// A later conflicting update must not rewrite a terminal row
	store.mirror(t.Context(), gateway.AttemptRecord{
		ID:     "imm-a1",
		Status: gateway.StatusInProgress,
	})

	var local Attempt
	require.NoError(
		t,
		store.db.First(&local, "id = ?", "imm-a1").Error,
	)
	assert.Equal(t, string(gateway.StatusSuccess), local.Status)
	assert.Equal(t, "k1", local.ArtifactKey)
}

func TestMirrorUpsertsNonTerminalRows(t *testing.T) {
	store, _ := newTestStore(t)
	store.mirror(t.Context(), gateway.AttemptRecord{
		ID:     "ups-a1",
		Status: gateway.StatusInProgress,
	})
	store.mirror(t.Context(), gateway.AttemptRecord{
		ID:          "ups-a1",
		Status:      gateway.StatusSuccess,
		ArtifactKey: "k2",
	})

	var local Attempt
	require.NoError(
		t,
		store.db.First(&local, "id = ?", "ups-a1").Error,
	)
	assert.Equal(t, string(gateway.StatusSuccess), local.Status)
	assert.Equal(t, "k2", local.ArtifactKey)
}

func TestUpdateAttemptWritesThrough(t *testing.T) {
	store, remote := newTestStore(t)
	remote.rows["upd-a1"] = gateway.AttemptRecord{
		ID:     "upd-a1",
		Status: gateway.StatusInProgress,
	}
	status := gateway.StatusSuccess
	key := "k9"

	row, err := store.UpdateAttempt(
		t.Context(),
		"upd-a1",
		gateway.AttemptPatch{Status: &status, ArtifactKey: &key},
	)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSuccess, row.Status)

	// Mirrored too
	remote.offline = true
	row, err = store.GetAttempt(t.Context(), "upd-a1")
	require.NoError(t, err)
	assert.Equal(t, "k9", row.ArtifactKey)
}

func TestUpdateAttemptRemoteFailure(t *testing.T) {
	store, remote := newTestStore(t)
	remote.offline = true
	status := gateway.StatusSuccess

	_, err := store.UpdateAttempt(
		t.Context(),
		"upd-a2",
		gateway.AttemptPatch{Status: &status},
	)
	require.ErrorIs(t, err, errRemoteDown)
}

func TestDeleteMirrored(t *testing.T) {
	store, _ := newTestStore(t)
	store.mirror(t.Context(), gateway.AttemptRecord{
		ID:     "del-a1",
		Status: gateway.StatusSuccess,
	})
	require.NoError(t, store.DeleteMirrored(t.Context(), "del-a1"))

	var local Attempt
	err := store.db.First(&local, "id = ?", "del-a1").Error
	assert.Error(t, err)
}
