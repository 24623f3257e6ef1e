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

package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/nextdoor/portage/internal/model"
)

const insertBatchSize = 500

// InsertRawPrices appends a batch of raw samples.
func (s *Store) InsertRawPrices(ctx context.Context, samples []model.RawPrice) error {
	if len(samples) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).CreateInBatches(samples, insertBatchSize).Error
	return wrapWrite("store.insert_raw_prices", err)
}

// RawPricesSince returns raw samples captured at or after since, ordered
// for consolidation (pool, then capture time).
func (s *Store) RawPricesSince(ctx context.Context, since time.Time) ([]model.RawPrice, error) {
	var rows []model.RawPrice
	err := s.db.WithContext(ctx).
		Where("captured_at >= ?", since).
		Order("pool_id, captured_at").
		Find(&rows).Error
	if err != nil {
		return nil, wrapRead("store.raw_prices_since", err)
	}
	return rows, nil
}

// ReplaceConsolidatedWindow swaps the consolidated series for one pool
// over [from, to) with the given rows, atomically. Re-running a
// consolidation over the same input therefore yields identical state.
func (s *Store) ReplaceConsolidatedWindow(ctx context.Context, poolID string, from, to time.Time, rows []model.ConsolidatedPrice) error {
	return s.Transact(ctx, func(tx *Store) error {
		err := tx.db.
			Where("pool_id = ? AND timestamp >= ? AND timestamp < ?", poolID, from, to).
			Delete(&model.ConsolidatedPrice{}).Error
		if err != nil {
			return wrapWrite("store.replace_consolidated", err)
		}
		if len(rows) == 0 {
			return nil
		}
		return wrapWrite("store.replace_consolidated",
			tx.db.CreateInBatches(rows, insertBatchSize).Error)
	})
}

// ConsolidatedWindow reads one pool's consolidated series over [from, to),
// in timestamp order.
func (s *Store) ConsolidatedWindow(ctx context.Context, poolID string, from, to time.Time) ([]model.ConsolidatedPrice, error) {
	var rows []model.ConsolidatedPrice
	err := s.db.WithContext(ctx).
		Where("pool_id = ? AND timestamp >= ? AND timestamp < ?", poolID, from, to).
		Order("timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, wrapRead("store.consolidated_window", err)
	}
	return rows, nil
}

// UpsertCanonical promotes consolidated rows into the canonical table,
// overwriting any prior run's row for the same (pool, timestamp).
func (s *Store) UpsertCanonical(ctx context.Context, rows []model.CanonicalPrice) error {
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pool_id"}, {Name: "timestamp"}},
			UpdateAll: true,
		}).
		CreateInBatches(rows, insertBatchSize).Error
	return wrapWrite("store.upsert_canonical", err)
}

// CanonicalWindow reads one pool's canonical series over [from, to).
func (s *Store) CanonicalWindow(ctx context.Context, poolID string, from, to time.Time) ([]model.CanonicalPrice, error) {
	var rows []model.CanonicalPrice
	err := s.db.WithContext(ctx).
		Where("pool_id = ? AND timestamp >= ? AND timestamp < ?", poolID, from, to).
		Order("timestamp").
		Find(&rows).Error
	if err != nil {
		return nil, wrapRead("store.canonical_window", err)
	}
	return rows, nil
}

// LatestCanonical returns the newest canonical sample per pool for the
// given pools, keyed by pool ID.
func (s *Store) LatestCanonical(ctx context.Context, poolIDs []string) (map[string]model.CanonicalPrice, error) {
	out := make(map[string]model.CanonicalPrice, len(poolIDs))
	if len(poolIDs) == 0 {
		return out, nil
	}
	var rows []model.CanonicalPrice
	err := s.db.WithContext(ctx).
		Where("pool_id IN ?", poolIDs).
		Order("pool_id, timestamp DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapRead("store.latest_canonical", err)
	}
	for _, r := range rows {
		if _, seen := out[r.PoolID]; !seen {
			out[r.PoolID] = r
		}
	}
	return out, nil
}

// UpsertOnDemandPrice records an effective-dated on-demand price.
// Duplicate effective dates are ignored, making re-reports harmless.
func (s *Store) UpsertOnDemandPrice(ctx context.Context, p *model.OnDemandPrice) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(p).Error
	return wrapWrite("store.upsert_ondemand_price", err)
}

// LatestOnDemand returns the newest effective on-demand price for a
// region and instance type.
func (s *Store) LatestOnDemand(ctx context.Context, region, instanceType string) (*model.OnDemandPrice, error) {
	var p model.OnDemandPrice
	err := s.db.WithContext(ctx).
		Where("region = ? AND instance_type = ?", region, instanceType).
		Order("effective_at DESC").
		First(&p).Error
	if err != nil {
		return nil, wrapRead("store.latest_ondemand", err)
	}
	return &p, nil
}

// PruneRawBefore deletes raw samples older than the cutoff and reports
// how many rows went away.
func (s *Store) PruneRawBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("captured_at < ?", cutoff).
		Delete(&model.RawPrice{})
	if res.Error != nil {
		return 0, wrapWrite("store.prune_raw", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneConsolidatedBefore deletes consolidated buckets older than cutoff.
func (s *Store) PruneConsolidatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&model.ConsolidatedPrice{})
	if res.Error != nil {
		return 0, wrapWrite("store.prune_consolidated", res.Error)
	}
	return res.RowsAffected, nil
}

// PruneCanonicalBefore deletes canonical buckets older than cutoff.
func (s *Store) PruneCanonicalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&model.CanonicalPrice{})
	if res.Error != nil {
		return 0, wrapWrite("store.prune_canonical", res.Error)
	}
	return res.RowsAffected, nil
}
