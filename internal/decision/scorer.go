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

// Package decision wraps the pluggable scorer behind a harness that
// applies hard policy filters first and persists every verdict. The
// scorer itself is an opaque model; the harness only trusts it after
// the agent's own thresholds are satisfied.
package decision

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/nextdoor/portage/internal/model"
)

// PoolPricing is one pool's canonical price as offered to the scorer.
type PoolPricing struct {
	PoolID     string
	AZ         string
	Price      float64
	Confidence float64
	AsOf       time.Time
}

// Input is everything the scorer may look at for one agent.
type Input struct {
	Agent    model.Agent
	Instance model.Instance
	Config   model.AgentConfig

	CurrentPool  PoolPricing
	Alternatives []PoolPricing

	// OnDemandPrice is the on-demand reference for the agent's
	// region and instance type.
	OnDemandPrice float64
}

// Verdict is the scorer's raw output before the harness applies the
// agent's thresholds.
type Verdict struct {
	Action                 model.DecisionAction
	TargetMode             model.Mode
	TargetPoolID           string
	RiskScore              float64
	ExpectedSavingsPerHour float64
	Confidence             float64
	Reason                 string
}

// Scorer is the pluggable decision model.
type Scorer interface {
	// Name identifies the scorer in decision records and logs.
	Name() string
	// Score produces a verdict for one agent. Errors make the harness
	// fall back to the conservative rule-based path.
	Score(ctx context.Context, in Input) (Verdict, error)
}

// Handle is the hot-swappable scorer slot shared by the harness and the
// operator reload endpoint. The zero value holds no scorer, which the
// harness treats as "never auto-switch".
type Handle struct {
	current atomic.Pointer[scorerEntry]
}

type scorerEntry struct {
	scorer      Scorer
	fingerprint uint64
	loadedAt    time.Time
}

// Swap installs a scorer atomically and returns the previous one, if any.
func (h *Handle) Swap(s Scorer) Scorer {
	entry := &scorerEntry{scorer: s, loadedAt: time.Now().UTC()}
	if fp, err := hashstructure.Hash(s.Name(), hashstructure.FormatV2, nil); err == nil {
		entry.fingerprint = fp
	}
	prev := h.current.Swap(entry)
	if prev == nil {
		return nil
	}
	return prev.scorer
}

// Get returns the installed scorer, or nil when none is loaded.
func (h *Handle) Get() Scorer {
	entry := h.current.Load()
	if entry == nil {
		return nil
	}
	return entry.scorer
}

// ArtifactFingerprint hashes a scorer artifact file's identity (path,
// size, mtime) so a reload of the same artifact can be detected as a
// no-op.
func ArtifactFingerprint(path string) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat scorer artifact: %w", err)
	}
	return hashstructure.Hash(struct {
		Path    string
		Size    int64
		ModTime time.Time
	}{path, info.Size(), info.ModTime()}, hashstructure.FormatV2, nil)
}
