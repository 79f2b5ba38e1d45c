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
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/juju/clock"
)

// instantClock collapses every wait to zero so loops built on
// Clock.After run at full speed in tests. Now() stays real.
type instantClock struct {
	clock.Clock
}

func newInstantClock() instantClock {
	return instantClock{Clock: clock.WallClock}
}

func (instantClock) After(_ time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// fastPolicy keeps check budgets small so the slow paths run in
// milliseconds.
func fastPolicy() Policy {
	return Policy{
		MaxPolls:             5,
		ExtraFinalChecks:     2,
		ExtraFinalCheckDelay: time.Millisecond,
		StallThreshold:       2,
		MonitorInterval:      time.Millisecond,
		MonitorMaxChecks:     40,
		MonitorSelfHealAfter: 3,
		TrackerInterval:      time.Millisecond,
		RefetchThrottle:      time.Millisecond,
		RestoreMaxBytes:      1 << 20,
	}
}

type statusStep struct {
	resp *gateway.StatusResponse
	err  error
}

func stepRunning(progress int, attemptID string) statusStep {
	p := progress
	return statusStep{resp: &gateway.StatusResponse{
		Status:    gateway.StatusInProgress,
		Progress:  &p,
		AttemptID: attemptID,
	}}
}

// fakeGateway is a scripted JobGateway. Status responses are
// consumed from steps in order; the final step repeats.
type fakeGateway struct {
	mu             sync.Mutex
	dispatchHandle string
	dispatchErr    error
	steps          []statusStep
	statusCalls    int
	onStatus       func(call int)
	cancelCalls    [][]string
	cancelErr      error
	signCalls      []string
	signErr        error
	restoreResp    *gateway.RestoreResponse
	restoreErr     error
	restoreName    string
}

func (g *fakeGateway) Dispatch(
	_ context.Context,
) (*gateway.DispatchResponse, error) {
	if g.dispatchErr != nil {
		return nil, g.dispatchErr
	}
	handle := g.dispatchHandle
	if handle == "" {
		handle = "handle-1"
	}
	return &gateway.DispatchResponse{TaskID: handle}, nil
}

func (g *fakeGateway) Status(
	_ context.Context,
	_ string,
) (*gateway.StatusResponse, error) {
	g.mu.Lock()
	call := g.statusCalls
	g.statusCalls++
	var step statusStep
	if len(g.steps) > 0 {
		idx := call
		if idx >= len(g.steps) {
			idx = len(g.steps) - 1
		}
		step = g.steps[idx]
	}
	hook := g.onStatus
	g.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if step.err != nil {
		return nil, step.err
	}
	if step.resp == nil {
		return &gateway.StatusResponse{
			Status: gateway.StatusInProgress,
		}, nil
	}
	cp := *step.resp
	return &cp, nil
}

func (g *fakeGateway) statusCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls
}

func (g *fakeGateway) Cancel(
	_ context.Context,
	attemptIDs []string,
) (*gateway.CancelResponse, error) {
	g.mu.Lock()
	g.cancelCalls = append(g.cancelCalls, attemptIDs)
	g.mu.Unlock()
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	return &gateway.CancelResponse{
		CancelledCount: len(attemptIDs),
	}, nil
}

func (g *fakeGateway) SignArtifactURL(
	_ context.Context,
	artifactKey string,
) (*gateway.SignedURL, error) {
	g.mu.Lock()
	g.signCalls = append(g.signCalls, artifactKey)
	g.mu.Unlock()
	if g.signErr != nil {
		return nil, g.signErr
	}
	return &gateway.SignedURL{
		URL: "https://signed.example.com/" + artifactKey,
	}, nil
}

func (g *fakeGateway) Restore(
	_ context.Context,
	filename string,
	archive io.Reader,
) (*gateway.RestoreResponse, error) {
	if _, err := io.Copy(io.Discard, archive); err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.restoreName = filename
	g.mu.Unlock()
	if g.restoreErr != nil {
		return nil, g.restoreErr
	}
	if g.restoreResp != nil {
		return g.restoreResp, nil
	}
	return &gateway.RestoreResponse{}, nil
}

type recordedPatch struct {
	attemptID string
	patch     gateway.AttemptPatch
}

// fakeRecords is an in-memory RecordStore.
type fakeRecords struct {
	mu        sync.Mutex
	rows      map[string]gateway.AttemptRecord
	listRows  []gateway.AttemptRecord
	getErr    error
	listErr   error
	updateErr error
	patches   []recordedPatch
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string]gateway.AttemptRecord)}
}

func (r *fakeRecords) setRow(row gateway.AttemptRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[row.ID] = row
}

func (r *fakeRecords) GetAttempt(
	_ context.Context,
	attemptID string,
) (*gateway.AttemptRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	row, ok := r.rows[attemptID]
	if !ok {
		return nil, fmt.Errorf("attempt %s not found", attemptID)
	}
	cp := row
	return &cp, nil
}

func (r *fakeRecords) ListHistory(
	_ context.Context,
	_ gateway.HistoryQuery,
) ([]gateway.AttemptRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]gateway.AttemptRecord{}, r.listRows...), nil
}

func (r *fakeRecords) UpdateAttempt(
	_ context.Context,
	attemptID string,
	patch gateway.AttemptPatch,
) (*gateway.AttemptRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patches = append(r.patches, recordedPatch{
		attemptID: attemptID,
		patch:     patch,
	})
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	row := r.rows[attemptID]
	if patch.Status != nil {
		row.Status = *patch.Status
	}
	r.rows[attemptID] = row
	cp := row
	return &cp, nil
}

func (r *fakeRecords) patchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.patches)
}

// eventRecorder captures the user-facing notifications. Publish
// writes into the buffered subscription channels synchronously, so
// channel length is a reliable count once the code under test has
// returned.
type eventRecorder struct {
	completes <-chan event.Event
	failures  <-chan event.Event
	cancels   <-chan event.Event
	refreshes <-chan event.Event
	progress  <-chan event.Event
}

func newEventRecorder(bus *event.EventBus) *eventRecorder {
	rec := &eventRecorder{}
	_, rec.completes = bus.Subscribe(event.BackupCompleteEventType)
	_, rec.failures = bus.Subscribe(event.BackupFailedEventType)
	_, rec.cancels = bus.Subscribe(event.BackupCancelledEventType)
	_, rec.refreshes = bus.Subscribe(event.HistoryRefreshEventType)
	_, rec.progress = bus.Subscribe(event.BackupProgressEventType)
	return rec
}

func (r *eventRecorder) terminalCount() int {
	return len(r.completes) + len(r.failures) + len(r.cancels)
}

func newTestOrchestrator(
	t *testing.T,
	gw *fakeGateway,
	records *fakeRecords,
) (*Orchestrator, *eventRecorder) {
	t.Helper()
	bus := event.NewEventBus(nil)
	t.Cleanup(bus.Stop)
	var store RecordStore
	if records != nil {
		store = records
	}
	o := NewOrchestrator(OrchestratorConfig{
		EventBus: bus,
		Gateway:  gw,
		Records:  store,
		Clock:    newInstantClock(),
		Policy:   fastPolicy(),
	})
	t.Cleanup(o.Stop)
	return o, newEventRecorder(bus)
}
