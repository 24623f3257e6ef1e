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

package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/samber/lo"

	"github.com/nextdoor/portage/internal/model"
)

// ThresholdParams is the tunable artifact for the threshold scorer.
// Operators retrain these offline and hot-reload the file.
type ThresholdParams struct {
	// Name distinguishes artifact generations in decision records.
	Name string `json:"name"`

	// MinSavingsFraction is the fractional saving over the current pool
	// a candidate must clear before a switch is proposed.
	MinSavingsFraction float64 `json:"min_savings_fraction"`

	// MinConfidence rejects candidates priced from stale or thin data.
	MinConfidence float64 `json:"min_confidence"`

	// SwitchConfidence is the risk score attached to any proposed
	// switch. Risk scores grade safety, higher is safer; verdicts below
	// an agent's risk_threshold are demoted to stay.
	SwitchConfidence float64 `json:"switch_confidence"`
}

// DefaultThresholdParams are the shipped defaults: switch only for a
// clear 10% saving backed by full-confidence pricing, graded safe
// enough to clear the stock agent threshold and the fleet risk floor.
func DefaultThresholdParams() ThresholdParams {
	return ThresholdParams{
		Name:               "threshold-v1",
		MinSavingsFraction: 0.10,
		MinConfidence:      0.90,
		SwitchConfidence:   0.85,
	}
}

// ThresholdScorer proposes the cheapest alternative pool that clears the
// configured savings and confidence floors, otherwise stays.
type ThresholdScorer struct {
	params ThresholdParams
}

// NewThresholdScorer builds a scorer from the given params.
func NewThresholdScorer(p ThresholdParams) *ThresholdScorer {
	return &ThresholdScorer{params: p}
}

// LoadScorer reads a threshold artifact from disk. Missing fields fall
// back to the shipped defaults so a partial artifact stays safe.
func LoadScorer(path string) (*ThresholdScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scorer artifact: %w", err)
	}
	p := DefaultThresholdParams()
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse scorer artifact %s: %w", path, err)
	}
	if p.MinSavingsFraction < 0 || p.MinConfidence < 0 || p.MinConfidence > 1 ||
		p.SwitchConfidence < 0 || p.SwitchConfidence > 1 {
		return nil, fmt.Errorf("scorer artifact %s: thresholds out of range", path)
	}
	return NewThresholdScorer(p), nil
}

func (s *ThresholdScorer) Name() string { return s.params.Name }

// Score implements Scorer.
func (s *ThresholdScorer) Score(_ context.Context, in Input) (Verdict, error) {
	current := in.CurrentPool.Price
	if current <= 0 {
		return stay("no current pool price"), nil
	}

	candidates := lo.Filter(in.Alternatives, func(p PoolPricing, _ int) bool {
		return p.PoolID != in.CurrentPool.PoolID &&
			p.Price > 0 &&
			p.Confidence >= s.params.MinConfidence
	})
	if len(candidates) == 0 {
		return stay("no priced alternatives"), nil
	}

	best := lo.MinBy(candidates, func(a, b PoolPricing) bool {
		return a.Price < b.Price
	})
	saving := (current - best.Price) / current
	if saving < s.params.MinSavingsFraction {
		return stay(fmt.Sprintf("best alternative saves %.1f%%, below floor", saving*100)), nil
	}

	return Verdict{
		Action:                 model.ActionSwitch,
		TargetMode:             model.ModeSpot,
		TargetPoolID:           best.PoolID,
		RiskScore:              s.params.SwitchConfidence,
		ExpectedSavingsPerHour: current - best.Price,
		Confidence:             best.Confidence,
		Reason:                 fmt.Sprintf("pool %s saves %.1f%%/h", best.PoolID, saving*100),
	}, nil
}
