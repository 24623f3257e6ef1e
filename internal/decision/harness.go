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
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
	"github.com/nextdoor/portage/pkg/cost"
)

// Filter reasons. These strings land in decision records and must stay
// stable for analytics queries.
const (
	ReasonAgentDisabled = "agent disabled"
	ReasonAutoSwitchOff = "auto switch off"
	ReasonRateLimited   = "rate-limited"
	ReasonNoScorer      = "no scorer loaded, holding position"
	ReasonScorerError   = "scorer failed, holding position"
	ReasonLowRisk       = "risk below agent threshold"
	ReasonLowSavings    = "expected savings below agent minimum"
)

// Harness runs the scorer behind hard policy filters and persists every
// verdict, filtered or not.
type Harness struct {
	Store  *store.Store
	Scorer *Handle
	Clock  clock.Clock
	Log    logr.Logger
}

// NewHarness builds a Harness around a scorer handle.
func NewHarness(st *store.Store, handle *Handle, clk clock.Clock, log logr.Logger) *Harness {
	return &Harness{Store: st, Scorer: handle, Clock: clk, Log: log.WithName("decision")}
}

// Decision is the harness output: the final verdict plus whether a hard
// filter short-circuited the scorer.
type Decision struct {
	Verdict  Verdict
	Filtered bool
	Scorer   string
}

// Decide produces the verdict for one agent. Hard filters run before the
// scorer; the scorer's recommendation is then checked against the
// agent's own risk and savings thresholds. The decision is persisted
// regardless of outcome.
func (h *Harness) Decide(ctx context.Context, in Input) (Decision, error) {
	dec := h.decide(ctx, in)
	rec := &model.DecisionRecord{
		AgentID:                in.Agent.ID,
		InstanceID:             in.Instance.ID,
		Action:                 dec.Verdict.Action,
		TargetMode:             dec.Verdict.TargetMode,
		TargetPoolID:           dec.Verdict.TargetPoolID,
		RiskScore:              dec.Verdict.RiskScore,
		ExpectedSavingsPerHour: dec.Verdict.ExpectedSavingsPerHour,
		Confidence:             dec.Verdict.Confidence,
		Reason:                 dec.Verdict.Reason,
		Filtered:               dec.Filtered,
		Scorer:                 dec.Scorer,
	}
	if err := h.Store.InsertDecision(ctx, rec); err != nil {
		return dec, err
	}
	return dec, nil
}

func (h *Harness) decide(ctx context.Context, in Input) Decision {
	if reason := h.hardFilter(ctx, in); reason != "" {
		return Decision{Verdict: stay(reason), Filtered: true}
	}

	scorer := h.Scorer.Get()
	if scorer == nil {
		return Decision{Verdict: h.fallback(in, ReasonNoScorer)}
	}

	verdict, err := scorer.Score(ctx, in)
	if err != nil {
		h.Log.Error(err, "scorer failed, using rule-based fallback", "agent", in.Agent.ID, "scorer", scorer.Name())
		return Decision{Verdict: h.fallback(in, ReasonScorerError), Scorer: scorer.Name()}
	}

	if verdict.Action == model.ActionSwitch {
		if verdict.RiskScore < in.Config.RiskThreshold {
			verdict = stay(fmt.Sprintf("%s (%.2f < %.2f)", ReasonLowRisk, verdict.RiskScore, in.Config.RiskThreshold))
		} else if !h.savingsClearThreshold(in, verdict) {
			verdict = stay(ReasonLowSavings)
		}
	}
	return Decision{Verdict: verdict, Scorer: scorer.Name()}
}

// hardFilter returns a non-empty reason when policy forbids switching
// regardless of what the scorer would say.
func (h *Harness) hardFilter(ctx context.Context, in Input) string {
	if !in.Config.Enabled {
		return ReasonAgentDisabled
	}
	if !in.Config.AutoSwitchEnabled {
		return ReasonAutoSwitchOff
	}

	now := h.Clock.Now().UTC()
	recent, err := h.Store.SwitchCountSince(ctx, in.Agent.ID, now.Add(-7*24*time.Hour))
	if err != nil {
		h.Log.Error(err, "switch count unavailable, holding position", "agent", in.Agent.ID)
		return ReasonRateLimited
	}
	if in.Config.MaxSwitchesPerWeek > 0 && recent >= in.Config.MaxSwitchesPerWeek {
		return ReasonRateLimited
	}
	if in.Agent.LastSwitchAt != nil {
		minStay := time.Duration(in.Config.MinPoolDurationHours) * time.Hour
		if minStay > 0 && now.Sub(*in.Agent.LastSwitchAt) < minStay {
			return ReasonRateLimited
		}
	}
	return ""
}

// savingsClearThreshold checks the scorer's claimed saving against the
// agent's minimum, measured against the on-demand reference.
func (h *Harness) savingsClearThreshold(in Input, v Verdict) bool {
	target := in.CurrentPool.Price - v.ExpectedSavingsPerHour
	est := cost.NewEstimate(in.CurrentPool.Price, target, in.OnDemandPrice)
	return est.Worthwhile(in.Config.MinSavingsPercent)
}

// fallback is the rule-based verdict used when no live scorer is
// available. It never switches: without a model there is no risk score,
// and an unscored switch is worse than a missed saving.
func (h *Harness) fallback(in Input, reason string) Verdict {
	current := cost.SavingsPercent(in.CurrentPool.Price, in.OnDemandPrice)
	if current >= in.Config.MinSavingsPercent {
		return stay(fmt.Sprintf("current saving %.1f%% already meets minimum", current))
	}
	return stay(reason)
}

func stay(reason string) Verdict {
	return Verdict{Action: model.ActionStay, Reason: reason}
}
