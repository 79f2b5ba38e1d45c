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
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/event"
	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// JobGateway is the subset of the platform API used to drive a
// backup job. Implemented by *gateway.Client.
type JobGateway interface {
	Dispatch(ctx context.Context) (*gateway.DispatchResponse, error)
	Status(
		ctx context.Context,
		dispatchHandle string,
	) (*gateway.StatusResponse, error)
	Cancel(
		ctx context.Context,
		attemptIDs []string,
	) (*gateway.CancelResponse, error)
	SignArtifactURL(
		ctx context.Context,
		artifactKey string,
	) (*gateway.SignedURL, error)
	Restore(
		ctx context.Context,
		filename string,
		archive io.Reader,
	) (*gateway.RestoreResponse, error)
}

// RecordStore is the durable backup history. It is eventually
// consistent relative to the job gateway's live status signal and
// is the source of truth once that signal disappears. Implemented
// by *records.Store and by *gateway.Client directly.
type RecordStore interface {
	GetAttempt(
		ctx context.Context,
		attemptID string,
	) (*gateway.AttemptRecord, error)
	ListHistory(
		ctx context.Context,
		query gateway.HistoryQuery,
	) ([]gateway.AttemptRecord, error)
	UpdateAttempt(
		ctx context.Context,
		attemptID string,
		patch gateway.AttemptPatch,
	) (*gateway.AttemptRecord, error)
}

// Policy holds the orchestrator's tunable constants. The right
// values depend on the latency distribution of the platform's job
// runner, so they are configuration rather than hardcoded.
type Policy struct {
	// MaxPolls is the polling engine's soft ceiling. Reaching it
	// triggers the extra final checks and then a hand-off, not a
	// failure.
	MaxPolls int
	// ExtraFinalChecks is the number of delayed checks performed
	// after MaxPolls is reached before declaring a soft timeout.
	ExtraFinalChecks int
	// ExtraFinalCheckDelay is the delay between those checks.
	ExtraFinalCheckDelay time.Duration
	// StallThreshold is the number of consecutive polls at 100%
	// progress with a non-terminal status after which the engine
	// hands off to the background monitor.
	StallThreshold int
	// MonitorInterval is the background monitor's check interval.
	MonitorInterval time.Duration
	// MonitorMaxChecks caps the background monitor's lifetime.
	MonitorMaxChecks int
	// MonitorSelfHealAfter is the number of unresolved monitor
	// checks after which a stale stored status is proactively
	// patched when an artifact key is already known.
	MonitorSelfHealAfter int
	// TrackerInterval is the history progress tracker's shared
	// loop interval.
	TrackerInterval time.Duration
	// RefetchThrottle is the minimum spacing between history
	// refetch requests triggered by terminal verdicts.
	RefetchThrottle time.Duration
	// RestoreMaxBytes is the restore archive size ceiling.
	RestoreMaxBytes int64
}

// DefaultPolicy returns the production policy values.
func DefaultPolicy() Policy {
	return Policy{
		MaxPolls:             300,
		ExtraFinalChecks:     3,
		ExtraFinalCheckDelay: 5 * time.Second,
		StallThreshold:       2,
		MonitorInterval:      30 * time.Second,
		MonitorMaxChecks:     120,
		MonitorSelfHealAfter: 10,
		TrackerInterval:      2 * time.Second,
		RefetchThrottle:      2 * time.Second,
		RestoreMaxBytes:      512 << 20,
	}
}

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	Logger       *slog.Logger
	EventBus     *event.EventBus
	PromRegistry prometheus.Registerer
	Gateway      JobGateway
	Records      RecordStore
	Clock        clock.Clock
	Policy       Policy
}

// Orchestrator drives the backup lifecycle: it runs the foreground
// polling engine for manual backups, owns the background monitors
// that outlive the UI interaction, and runs the shared history
// progress tracker. All watchers funnel terminal outcomes through
// a single announce-once registry so a given attempt is announced
// to the user at most once.
type Orchestrator struct {
	config    OrchestratorConfig
	metrics   *orchestratorMetrics
	announcer announcer
	tracker   *HistoryTracker
	running   atomic.Bool
	sessionMu sync.Mutex
	session   *PollSession
	watchMu   sync.Mutex
	watches   map[string]*Watch
}

// NewOrchestrator creates an Orchestrator. Zero policy fields are
// replaced with their defaults.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	defaults := DefaultPolicy()
	if cfg.Policy.MaxPolls == 0 {
		cfg.Policy.MaxPolls = defaults.MaxPolls
	}
	if cfg.Policy.ExtraFinalChecks == 0 {
		cfg.Policy.ExtraFinalChecks = defaults.ExtraFinalChecks
	}
	if cfg.Policy.ExtraFinalCheckDelay == 0 {
		cfg.Policy.ExtraFinalCheckDelay = defaults.ExtraFinalCheckDelay
	}
	if cfg.Policy.StallThreshold == 0 {
		cfg.Policy.StallThreshold = defaults.StallThreshold
	}
	if cfg.Policy.MonitorInterval == 0 {
		cfg.Policy.MonitorInterval = defaults.MonitorInterval
	}
	if cfg.Policy.MonitorMaxChecks == 0 {
		cfg.Policy.MonitorMaxChecks = defaults.MonitorMaxChecks
	}
	if cfg.Policy.MonitorSelfHealAfter == 0 {
		cfg.Policy.MonitorSelfHealAfter = defaults.MonitorSelfHealAfter
	}
	if cfg.Policy.TrackerInterval == 0 {
		cfg.Policy.TrackerInterval = defaults.TrackerInterval
	}
	if cfg.Policy.RefetchThrottle == 0 {
		cfg.Policy.RefetchThrottle = defaults.RefetchThrottle
	}
	if cfg.Policy.RestoreMaxBytes == 0 {
		cfg.Policy.RestoreMaxBytes = defaults.RestoreMaxBytes
	}
	o := &Orchestrator{
		config:  cfg,
		watches: make(map[string]*Watch),
	}
	if cfg.PromRegistry != nil {
		o.metrics = newOrchestratorMetrics(cfg.PromRegistry)
	}
	o.tracker = newHistoryTracker(o)
	return o
}

// Running reports whether a manual backup is currently in flight.
// This flag is guaranteed to clear on every exit path of
// RunManualBackup, including hand-offs and cancellation.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Tracker returns the history progress tracker.
func (o *Orchestrator) Tracker() *HistoryTracker {
	return o.tracker
}

// Stop tears down all background watchers and the history
// tracker. Stop is idempotent; a check already in flight cannot
// double-fire a notification because each watcher re-checks its
// one-way stop flag before acting.
func (o *Orchestrator) Stop() {
	o.watchMu.Lock()
	watches := make([]*Watch, 0, len(o.watches))
	for _, w := range o.watches {
		watches = append(watches, w)
	}
	o.watchMu.Unlock()
	for _, w := range watches {
		w.Stop()
	}
	o.tracker.stop()
}

// CancelRunning requests cancellation of the in-flight manual
// backup, if any. Returns false when nothing was running.
func (o *Orchestrator) CancelRunning() bool {
	o.sessionMu.Lock()
	s := o.session
	o.sessionMu.Unlock()
	if s == nil {
		return false
	}
	s.Cancel()
	return true
}

// publish emits an event when a bus is configured.
func (o *Orchestrator) publish(eventType event.EventType, data any) {
	if o.config.EventBus == nil {
		return
	}
	o.config.EventBus.Publish(
		eventType,
		event.NewEvent(eventType, data),
	)
}

// announcer is the at-most-once terminal announcement registry
// shared by all watchers. A watcher claims every identifier it
// knows for the attempt (attempt ID and dispatch handle) in one
// atomic step; the claim succeeds only if none of them has been
// claimed before.
type announcer struct {
	mu      sync.Mutex
	claimed map[string]struct{}
}

// claim returns true exactly once across all keys identifying the
// same attempt. Empty keys are ignored.
func (a *announcer) claim(keys ...string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claimed == nil {
		a.claimed = make(map[string]struct{})
	}
	haveKey := false
	for _, key := range keys {
		if key == "" {
			continue
		}
		haveKey = true
		if _, ok := a.claimed[key]; ok {
			return false
		}
	}
	if !haveKey {
		return false
	}
	for _, key := range keys {
		if key != "" {
			a.claimed[key] = struct{}{}
		}
	}
	return true
}

// announceVerdict publishes the terminal event for a verdict after
// winning the claim. Returns false when another watcher already
// announced the attempt.
func (o *Orchestrator) announceVerdict(
	verdict Verdict,
	attemptID string,
	dispatchHandle string,
	downloadURL string,
	source string,
) bool {
	if !o.announcer.claim(attemptID, dispatchHandle) {
		return false
	}
	if o.metrics != nil {
		o.metrics.verdictsTotal.WithLabelValues(
			verdict.Kind.String(),
			source,
		).Inc()
	}
	switch verdict.Kind {
	case VerdictSuccess:
		o.config.Logger.Info(
			"backup completed",
			"component", "backup",
			"source", source,
			"attempt_id", attemptID,
			"artifact_key", verdict.ArtifactKey,
		)
		o.publish(
			event.BackupCompleteEventType,
			event.BackupCompleteEvent{
				AttemptID:   attemptID,
				ArtifactKey: verdict.ArtifactKey,
				DownloadURL: downloadURL,
			},
		)
	case VerdictFailure:
		o.config.Logger.Error(
			"backup failed",
			"component", "backup",
			"source", source,
			"attempt_id", attemptID,
			"error", verdict.Message,
		)
		o.publish(
			event.BackupFailedEventType,
			event.BackupFailedEvent{
				AttemptID: attemptID,
				Message:   verdict.Message,
			},
		)
	case VerdictCancelled:
		o.config.Logger.Info(
			"backup cancelled",
			"component", "backup",
			"source", source,
			"attempt_id", attemptID,
		)
		o.publish(
			event.BackupCancelledEventType,
			event.BackupCancelledEvent{AttemptID: attemptID},
		)
	}
	return true
}

// resolveArtifactKey fills in a missing artifact key from the
// record store: by attempt ID when known, otherwise from the
// newest history row.
func (o *Orchestrator) resolveArtifactKey(
	ctx context.Context,
	attemptID string,
) (string, error) {
	if o.config.Records == nil {
		return "", nil
	}
	if attemptID != "" {
		row, err := o.config.Records.GetAttempt(ctx, attemptID)
		if err != nil {
			return "", err
		}
		return row.ArtifactKey, nil
	}
	rows, err := o.config.Records.ListHistory(
		ctx,
		gateway.HistoryQuery{Limit: 1},
	)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}
	return rows[0].ArtifactKey, nil
}

// fetchRow looks up the stored attempt record, preferring the
// attempt ID. Returns nil without error when no row can be
// identified; a lookup failure is returned as nil row as well
// since the stored row is an optional cross-check.
func (o *Orchestrator) fetchRow(
	ctx context.Context,
	attemptID string,
) *gateway.AttemptRecord {
	if o.config.Records == nil || attemptID == "" {
		return nil
	}
	row, err := o.config.Records.GetAttempt(ctx, attemptID)
	if err != nil {
		o.config.Logger.Debug(
			"record store lookup failed",
			"component", "backup",
			"attempt_id", attemptID,
			"error", err,
		)
		return nil
	}
	return row
}
