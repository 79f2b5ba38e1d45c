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

// Package records provides a read-through local mirror of the
// platform's backup history. Reads go to the remote store first
// and fall back to the mirror when the platform is unreachable, so
// history stays usable offline and watchers can cross-check
// cheaply.
package records

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ManaSmart/Mana-Smart-sub002/gateway"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

// Remote is the upstream record store the mirror shadows.
// Implemented by *gateway.Client.
type Remote interface {
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

// Attempt is the mirrored history row.
type Attempt struct {
	ID             string `gorm:"primaryKey"`
	DispatchHandle string
	Status         string `gorm:"index"`
	ArtifactKey    string
	SizeBytes      int64
	ErrorText      string
	CreatedAt      time.Time `gorm:"index"`
	MirroredAt     time.Time
}

func (Attempt) TableName() string {
	return "attempts"
}

// Store is the read-through mirror. It satisfies the orchestrator's
// RecordStore interface.
type Store struct {
	db     *gorm.DB
	remote Remote
	logger *slog.Logger
}

// New creates a Store. An empty dataDir uses an in-memory
// database, useful for testing.
func New(
	dataDir string,
	remote Remote,
	logger *slog.Logger,
) (*Store, error) {
	if logger == nil {
		// Create logger to throw away logs
		// We do this so we don't have to add guards around every log operation
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	var mirrorDb *gorm.DB
	var err error
	if dataDir == "" {
		// cache=shared allows multiple connections to share the same in-memory database
		mirrorDb, err = gorm.Open(
			sqlite.Open("file::memory:?cache=shared"),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	} else {
		if _, err := os.Stat(dataDir); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read data dir: %w", err)
			}
			if err := os.MkdirAll(dataDir, fs.ModePerm); err != nil {
				return nil, fmt.Errorf("failed to create data dir: %w", err)
			}
		}
		mirrorDbPath := filepath.Join(dataDir, "history.sqlite")
		// WAL journal mode, disable sync on write
		connOpts := "_pragma=journal_mode(WAL)&_pragma=sync(OFF)"
		mirrorDb, err = gorm.Open(
			sqlite.Open(
				fmt.Sprintf("file:%s?%s", mirrorDbPath, connOpts),
			),
			&gorm.Config{
				Logger:                 gormlogger.Discard,
				SkipDefaultTransaction: true,
			},
		)
		if err != nil {
			return nil, err
		}
	}
	if err := mirrorDb.Use(
		tracing.NewPlugin(tracing.WithoutMetrics()),
	); err != nil {
		return nil, err
	}
	if err := mirrorDb.AutoMigrate(&Attempt{}); err != nil {
		return nil, err
	}
	return &Store{
		db:     mirrorDb,
		remote: remote,
		logger: logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAttempt fetches one record remote-first and mirrors it. When
// the remote is unreachable the mirrored row is returned instead.
func (s *Store) GetAttempt(
	ctx context.Context,
	attemptID string,
) (*gateway.AttemptRecord, error) {
	row, err := s.remote.GetAttempt(ctx, attemptID)
	if err == nil {
		s.mirror(ctx, *row)
		return row, nil
	}
	s.logger.Debug(
		"remote record lookup failed, trying mirror",
		"component", "records",
		"attempt_id", attemptID,
		"error", err,
	)
	var local Attempt
	result := s.db.WithContext(ctx).
		First(&local, "id = ?", attemptID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, result.Error
	}
	record := toRecord(local)
	return &record, nil
}

// ListHistory lists records remote-first, mirroring every returned
// row. When the remote is unreachable the mirror is queried with
// the same filters, newest first.
func (s *Store) ListHistory(
	ctx context.Context,
	query gateway.HistoryQuery,
) ([]gateway.AttemptRecord, error) {
	rows, err := s.remote.ListHistory(ctx, query)
	if err == nil {
		for _, row := range rows {
			s.mirror(ctx, row)
		}
		return rows, nil
	}
	s.logger.Debug(
		"remote history listing failed, trying mirror",
		"component", "records",
		"error", err,
	)
	tx := s.db.WithContext(ctx).Order("created_at DESC")
	if query.StatusFilter != "" {
		tx = tx.Where("status = ?", string(query.StatusFilter))
	}
	if !query.From.IsZero() {
		tx = tx.Where("created_at >= ?", query.From)
	}
	if !query.To.IsZero() {
		tx = tx.Where("created_at <= ?", query.To)
	}
	if query.SearchText != "" {
		pattern := "%" + query.SearchText + "%"
		tx = tx.Where(
			"artifact_key LIKE ? OR error_text LIKE ? OR id LIKE ?",
			pattern, pattern, pattern,
		)
	}
	if query.Limit > 0 {
		tx = tx.Limit(query.Limit)
	}
	var locals []Attempt
	if result := tx.Find(&locals); result.Error != nil {
		return nil, result.Error
	}
	records := make([]gateway.AttemptRecord, 0, len(locals))
	for _, local := range locals {
		records = append(records, toRecord(local))
	}
	return records, nil
}

// UpdateAttempt writes through to the remote store and mirrors the
// result. The mirror is never the write target on its own.
func (s *Store) UpdateAttempt(
	ctx context.Context,
	attemptID string,
	patch gateway.AttemptPatch,
) (*gateway.AttemptRecord, error) {
	row, err := s.remote.UpdateAttempt(ctx, attemptID, patch)
	if err != nil {
		return nil, err
	}
	s.mirror(ctx, *row)
	return row, nil
}

// DeleteMirrored drops a row from the mirror, used after a remote
// delete so local history does not resurrect it.
func (s *Store) DeleteMirrored(
	ctx context.Context,
	attemptID string,
) error {
	result := s.db.WithContext(ctx).
		Delete(&Attempt{}, "id = ?", attemptID)
	return result.Error
}

// mirror upserts a remote row into the local mirror. Rows already
// stored with a terminal status are immutable; a conflicting
// update for one is dropped.
func (s *Store) mirror(ctx context.Context, row gateway.AttemptRecord) {
	var existing Attempt
	result := s.db.WithContext(ctx).
		First(&existing, "id = ?", row.ID)
	if result.Error == nil &&
		gateway.AttemptStatus(existing.Status).Terminal() {
		return
	}
	local := toModel(row)
	local.MirroredAt = time.Now()
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&local).Error; err != nil {
		s.logger.Warn(
			"failed to mirror history row",
			"component", "records",
			"attempt_id", row.ID,
			"error", err,
		)
	}
}

func toModel(row gateway.AttemptRecord) Attempt {
	return Attempt{
		ID:             row.ID,
		DispatchHandle: row.DispatchHandle,
		Status:         string(row.Status),
		ArtifactKey:    row.ArtifactKey,
		SizeBytes:      row.SizeBytes,
		ErrorText:      row.ErrorText,
		CreatedAt:      row.CreatedAt,
	}
}

func toRecord(local Attempt) gateway.AttemptRecord {
	return gateway.AttemptRecord{
		ID:             local.ID,
		DispatchHandle: local.DispatchHandle,
		Status:         gateway.AttemptStatus(local.Status),
		ArtifactKey:    local.ArtifactKey,
		SizeBytes:      local.SizeBytes,
		ErrorText:      local.ErrorText,
		CreatedAt:      local.CreatedAt,
	}
}
