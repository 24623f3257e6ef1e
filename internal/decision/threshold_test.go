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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextdoor/portage/internal/model"
)

func thresholdInput(currentPrice float64, alts ...PoolPricing) Input {
	return Input{
		CurrentPool:  PoolPricing{PoolID: "m5.large.us-east-1a", Price: currentPrice, Confidence: 1.0},
		Alternatives: alts,
	}
}

func TestThresholdScorer_PicksCheapestClearingFloor(t *testing.T) {
	s := NewThresholdScorer(DefaultThresholdParams())

	v, err := s.Score(context.Background(), thresholdInput(0.100,
		PoolPricing{PoolID: "m5.large.us-east-1b", Price: 0.080, Confidence: 1.0},
		PoolPricing{PoolID: "m5.large.us-east-1c", Price: 0.070, Confidence: 1.0},
	))
	require.NoError(t, err)
	assert.Equal(t, model.ActionSwitch, v.Action)
	assert.Equal(t, "m5.large.us-east-1c", v.TargetPoolID)
	assert.InDelta(t, 0.030, v.ExpectedSavingsPerHour, 1e-9)
	// Risk scores grade safety upward; the default must sit above both
	// the fleet floor (0.75) and the stock agent threshold.
	assert.GreaterOrEqual(t, v.RiskScore, 0.75)
}

func TestThresholdScorer_StaysBelowSavingsFloor(t *testing.T) {
	s := NewThresholdScorer(DefaultThresholdParams())

	// 5% saving, floor is 10%.
	v, err := s.Score(context.Background(), thresholdInput(0.100,
		PoolPricing{PoolID: "m5.large.us-east-1b", Price: 0.095, Confidence: 1.0},
	))
	require.NoError(t, err)
	assert.Equal(t, model.ActionStay, v.Action)
}

func TestThresholdScorer_IgnoresLowConfidencePools(t *testing.T) {
	s := NewThresholdScorer(DefaultThresholdParams())

	// Interpolated-grade confidence is below the 0.90 floor.
	v, err := s.Score(context.Background(), thresholdInput(0.100,
		PoolPricing{PoolID: "m5.large.us-east-1b", Price: 0.050, Confidence: 0.80},
	))
	require.NoError(t, err)
	assert.Equal(t, model.ActionStay, v.Action)
}

func TestLoadScorer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scorer.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"name":"tuned-v2","min_savings_fraction":0.05}`), 0o600))

	s, err := LoadScorer(path)
	require.NoError(t, err)
	assert.Equal(t, "tuned-v2", s.Name())
	// Unspecified fields keep their defaults.
	assert.InDelta(t, 0.90, s.params.MinConfidence, 1e-9)

	_, err = LoadScorer(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"min_confidence":7}`), 0o600))
	_, err = LoadScorer(bad)
	assert.ErrorContains(t, err, "out of range")

	bad = filepath.Join(t.TempDir(), "bad-confidence.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"switch_confidence":2}`), 0o600))
	_, err = LoadScorer(bad)
	assert.ErrorContains(t, err, "out of range")
}
