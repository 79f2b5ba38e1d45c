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
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunFastSuccess(t *testing.T) {
	progress := 100
	gw := &fakeGateway{
		steps: []statusStep{
			stepRunning(40, "a1"),
			{resp: &gateway.StatusResponse{
				Status:      gateway.StatusSuccess,
				Progress:    &progress,
				ArtifactKey: "k1",
				AttemptID:   "a1",
			}},
		},
	}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())

	url, err := o.RunManualBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/k1", url)
	assert.Equal(t, 2, gw.statusCount())
	assert.Equal(t, []string{"k1"}, gw.signCalls)
	assert.False(t, o.Running())
	assert.Equal(t, 1, len(rec.completes))
	assert.Equal(t, 1, rec.terminalCount())
}

func TestRunFailurePrefersStoredError(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{
			stepRunning(10, "a1"),
			{resp: &gateway.StatusResponse{
				Status:    gateway.StatusFailed,
				ErrorText: "job runner error 500",
				AttemptID: "a1",
			}},
		},
	}
	records := newFakeRecords()
	records.setRow(gateway.AttemptRecord{
		ID:        "a1",
		Status:    gateway.StatusFailed,
		ErrorText: "disk full",
	})
	o, rec := newTestOrchestrator(t, gw, records)

	url, err := o.RunManualBackup(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "a1", jobErr.AttemptID)
	assert.Empty(t, url)
	assert.False(t, o.Running())
	assert.Equal(t, 1, len(rec.failures))
	assert.Equal(t, 1, rec.terminalCount())
}

func TestRunCancelMidFlight(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{stepRunning(25, "a1")},
	}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())
	gw.onStatus = func(call int) {
		if call == 0 {
			require.True(t, o.CancelRunning())
		}
	}

	url, err := o.RunManualBackup(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Empty(t, url)
	// No status poll after the cancellation request
	assert.Equal(t, 1, gw.statusCount())
	assert.False(t, o.Running())
	// The record is marked cancelled best-effort
	require.Len(t, gw.cancelCalls, 1)
	assert.Equal(t, []string{"a1"}, gw.cancelCalls[0])
	assert.Equal(t, 1, len(rec.cancels))
	assert.Zero(t, len(rec.failures))
}

func TestRunCancelMarkFailureIsOnlyAWarning(t *testing.T) {
	gw := &fakeGateway{
		steps:     []statusStep{stepRunning(25, "a1")},
		cancelErr: errors.New("record store unavailable"),
	}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())
	gw.onStatus = func(call int) {
		if call == 0 {
			o.CancelRunning()
		}
	}

	_, err := o.RunManualBackup(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, len(rec.cancels))
}

func TestRunSoftTimeoutHandsOff(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{stepRunning(50, "a1")},
	}
	records := newFakeRecords()
	records.setRow(gateway.AttemptRecord{
		ID:          "a1",
		Status:      gateway.StatusSuccess,
		ArtifactKey: "k9",
	})
	o, rec := newTestOrchestrator(t, gw, records)

	url, err := o.RunManualBackup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, url)
	// The running flag clears on hand-off even though the attempt
	// is still being watched
	assert.False(t, o.Running())
	require.Eventually(t, func() bool {
		return len(rec.completes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.terminalCount())
}

func TestRunFinalizationStallHandsOff(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{stepRunning(100, "a1")},
	}
	records := newFakeRecords()
	records.setRow(gateway.AttemptRecord{
		ID:          "a1",
		Status:      gateway.StatusInProgress,
		ArtifactKey: "k2",
	})
	o, rec := newTestOrchestrator(t, gw, records)

	url, err := o.RunManualBackup(context.Background())
	require.NoError(t, err)
	assert.Empty(t, url)
	assert.False(t, o.Running())
	// Hand-off after StallThreshold polls at full progress, well
	// before the poll ceiling
	assert.Equal(t, 2, gw.statusCount())
	// The monitor reconciles the stored row to success via its
	// artifact key and announces exactly once
	require.Eventually(t, func() bool {
		return len(rec.completes) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, gw.signCalls, "k2")
	assert.Equal(t, 1, rec.terminalCount())
	// Reconciliation resolved it, no self-heal write was needed
	assert.Zero(t, records.patchCount())
}

func TestRunTransportErrorsRetry(t *testing.T) {
	progress := 100
	gw := &fakeGateway{
		steps: []statusStep{
			{err: errors.New("connection refused")},
			{err: errors.New("connection refused")},
			{resp: &gateway.StatusResponse{
				Status:      gateway.StatusSuccess,
				Progress:    &progress,
				ArtifactKey: "k1",
				AttemptID:   "a1",
			}},
		},
	}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())

	url, err := o.RunManualBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/k1", url)
	assert.Equal(t, 3, gw.statusCount())
	assert.Equal(t, 1, len(rec.completes))
}

func TestRunSuccessKeyFromRecordStore(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{
			{resp: &gateway.StatusResponse{
				Status:    gateway.StatusSuccess,
				AttemptID: "a1",
			}},
		},
	}
	records := newFakeRecords()
	records.setRow(gateway.AttemptRecord{
		ID:          "a1",
		Status:      gateway.StatusSuccess,
		ArtifactKey: "k7",
	})
	o, rec := newTestOrchestrator(t, gw, records)

	url, err := o.RunManualBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://signed.example.com/k7", url)
	assert.Equal(t, 1, len(rec.completes))
}

func TestRunSuccessWithoutAnyKeyFails(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{
			{resp: &gateway.StatusResponse{
				Status:    gateway.StatusSuccess,
				AttemptID: "a1",
			}},
		},
	}
	records := newFakeRecords()
	records.setRow(gateway.AttemptRecord{
		ID:     "a1",
		Status: gateway.StatusSuccess,
	})
	o, rec := newTestOrchestrator(t, gw, records)

	url, err := o.RunManualBackup(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no artifact key")
	assert.Empty(t, url)
	assert.Equal(t, 1, len(rec.failures))
}

func TestRunSignErrorIsFailure(t *testing.T) {
	gw := &fakeGateway{
		steps: []statusStep{
			{resp: &gateway.StatusResponse{
				Status:      gateway.StatusSuccess,
				ArtifactKey: "k1",
				AttemptID:   "a1",
			}},
		},
		signErr: errors.New("signer unavailable"),
	}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())

	url, err := o.RunManualBackup(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "resolving download URL")
	assert.Empty(t, url)
	assert.False(t, o.Running())
	assert.Equal(t, 1, len(rec.failures))
}

func TestRunAlreadyRunning(t *testing.T) {
	gw := &fakeGateway{}
	o, _ := newTestOrchestrator(t, gw, newFakeRecords())
	o.running.Store(true)
	defer o.running.Store(false)

	_, err := o.RunManualBackup(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestRunDispatchError(t *testing.T) {
	gw := &fakeGateway{dispatchErr: errors.New("gateway down")}
	o, rec := newTestOrchestrator(t, gw, newFakeRecords())

	_, err := o.RunManualBackup(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "starting backup job")
	assert.False(t, o.Running())
	assert.Zero(t, rec.terminalCount())
}

func TestObserveProgressMonotonic(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGateway{}, newFakeRecords())
	s := &PollSession{
		orch:              o,
		dispatchHandle:    "h1",
		lastKnownProgress: -1,
		startedAt:         o.config.Clock.Now(),
		cancelCh:          make(chan struct{}),
	}

	fifty := 50
	s.observe(&gateway.StatusResponse{
		Status:   gateway.StatusInProgress,
		Progress: &fifty,
	})
	assert.Equal(t, 50, s.lastKnownProgress)

	// A regression from the source is clamped away
	thirty := 30
	s.observe(&gateway.StatusResponse{
		Status:   gateway.StatusInProgress,
		Progress: &thirty,
	})
	assert.Equal(t, 50, s.lastKnownProgress)

	// A response with no progress falls back to the time-based
	// estimate, which starts low and must not regress the display
	s.observe(&gateway.StatusResponse{
		Status: gateway.StatusInProgress,
	})
	assert.Equal(t, 50, s.lastKnownProgress)
}

func TestProgressEstimate(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGateway{}, newFakeRecords())
	for _, tc := range []struct {
		elapsed time.Duration
		want    int
	}{
		{elapsed: 0, want: 10},
		{elapsed: 15 * time.Minute, want: 95},
		{elapsed: 3 * time.Hour, want: 95},
	} {
		s := &PollSession{
			orch:      o,
			startedAt: o.config.Clock.Now().Add(-tc.elapsed),
		}
		assert.Equal(
			t,
			tc.want,
			s.progressEstimate(),
			fmt.Sprintf("elapsed %s", tc.elapsed),
		)
	}
}

func TestNextDelaySchedule(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeGateway{}, newFakeRecords())
	for _, tc := range []struct {
		polls     int
		fullPolls int
		want      time.Duration
	}{
		{polls: 1, want: time.Second},
		{polls: 20, want: time.Second},
		{polls: 21, want: 2 * time.Second},
		{polls: 50, want: 2 * time.Second},
		{polls: 51, want: 5 * time.Second},
		{polls: 100, want: 5 * time.Second},
		{polls: 101, want: 10 * time.Second},
		{polls: 5, fullPolls: 1, want: 1500 * time.Millisecond},
		{polls: 5, fullPolls: 10, want: 1500 * time.Millisecond},
		{polls: 5, fullPolls: 11, want: 2500 * time.Millisecond},
		{polls: 5, fullPolls: 30, want: 10 * time.Second},
	} {
		s := &PollSession{
			orch:                    o,
			attemptsMade:            tc.polls,
			consecutiveFullProgress: tc.fullPolls,
		}
		assert.Equal(
			t,
			tc.want,
			s.nextDelay(),
			fmt.Sprintf("polls=%d full=%d", tc.polls, tc.fullPolls),
		)
	}
}

func TestTransportBackoff(t *testing.T) {
	for _, tc := range []struct {
		attempts int
		want     time.Duration
	}{
		{attempts: 1, want: time.Second},
		{attempts: 9, want: time.Second},
		{attempts: 10, want: 2 * time.Second},
		{attempts: 25, want: 4 * time.Second},
		{attempts: 33, want: 8 * time.Second},
		{attempts: 40, want: 10 * time.Second},
		{attempts: 300, want: 10 * time.Second},
		// Far past any realistic ceiling the delay must stay
		// pinned at the cap, never shift-overflow to zero
		{attempts: 630, want: 10 * time.Second},
		{attempts: math.MaxInt, want: 10 * time.Second},
	} {
		assert.Equal(
			t,
			tc.want,
			transportBackoff(tc.attempts),
			fmt.Sprintf("attempts=%d", tc.attempts),
		)
	}
}
