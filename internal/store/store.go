// Copyright 2025 Portage Contributors
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

// Package store is the durable state layer. It exposes snapshot reads,
// version-guarded writes (UpdateAgentIf / UpdateInstanceIf), and atomic
// batches (Transact) over GORM. Postgres backs production; an in-memory
// SQLite database backs tests and standalone mode.
//
// The store never owns business rules: it maps query shapes and error
// kinds, and leaves lifecycle legality to the state machine.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nextdoor/portage/internal/model"
)

const (
	// conflictAttempts bounds optimistic-lock retries before the error
	// is surfaced as retriable to the caller.
	conflictAttempts = 3
	conflictBaseDelay = 25 * time.Millisecond
)

// Store wraps a GORM handle. A Store derived from Transact shares the
// transaction; all methods work identically on both.
type Store struct {
	db  *gorm.DB
	log logr.Logger
}

// Open connects to Postgres with the given DSN and runs migrations.
func Open(dsn string, log logr.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return newMigrated(db, log)
}

// OpenMemory opens a private in-memory SQLite database. Used by tests
// and by --standalone, where no Postgres is available.
func OpenMemory(log logr.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:portage-%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("opening in-memory sqlite: %w", err)
	}
	// The shared-cache handle is dropped when the last connection
	// closes, so pin a single connection for the process lifetime.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrapping sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return newMigrated(db, log)
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}
}

func newMigrated(db *gorm.DB, log logr.Logger) (*Store, error) {
	s := &Store{db: db, log: log.WithName("store")}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

// Ping verifies the underlying connection, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return model.E(model.KindRetriable, "store.ping", "unwrapping handle", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return model.E(model.KindRetriable, "store.ping", "", err)
	}
	return nil
}

// Transact runs fn inside one database transaction. fn receives a Store
// bound to the transaction; any error rolls the whole batch back.
func (s *Store) Transact(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, log: s.log})
	})
}

// RetryOnConflict re-runs fn, which must re-read its inputs each attempt,
// while it fails with a conflict kind. After the attempt budget the last
// conflict is reclassified as retriable for the caller.
func RetryOnConflict(ctx context.Context, log logr.Logger, op string, fn func() error) error {
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return model.IsKind(err, model.KindConflict)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.V(1).Info("optimistic write lost race, retrying", "op", op, "attempt", n+1)
		}),
	)
	if err != nil && model.IsKind(err, model.KindConflict) {
		return model.E(model.KindRetriable, op, "conflict retries exhausted", err)
	}
	return err
}

// wrapRead maps driver-level read errors onto the error taxonomy.
func wrapRead(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.E(model.KindNotFound, op, "", err)
	}
	return model.E(model.KindRetriable, op, "", err)
}

// wrapWrite maps driver-level write errors onto the error taxonomy.
func wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return model.E(model.KindConflict, op, "duplicate key", err)
	}
	return model.E(model.KindRetriable, op, "", err)
}
