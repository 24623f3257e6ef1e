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

package dispatch

import (
	"context"
	"time"

	"github.com/nextdoor/portage/internal/model"
)

// TerminationOffer is one instance the agent should try to terminate.
type TerminationOffer struct {
	InstanceID string `json:"instance_id"`
	PoolID     string `json:"pool_id"`
	Reason     string `json:"reason"`
}

const (
	reasonZombieReap       = "zombie_reap"
	reasonRetryUnconfirmed = "unconfirmed_termination"
)

// InstancesToTerminate returns the agent's zombies past their configured
// grace period plus terminations that were attempted but never
// confirmed. Entries attempted within the cooldown are withheld so the
// agent is not asked twice about work still in progress. Offered zombies
// move to terminating as part of the offer.
func (d *Dispatcher) InstancesToTerminate(ctx context.Context, agentID string) ([]TerminationOffer, error) {
	cfg, err := d.Store.AgentConfigByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	candidates, err := d.Store.TerminationCandidates(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := d.Clock.Now().UTC()
	wait := time.Duration(cfg.TerminateWaitSeconds) * time.Second
	offers := make([]TerminationOffer, 0, len(candidates))

	for _, inst := range candidates {
		if inst.TerminationAttemptedAt != nil && now.Sub(*inst.TerminationAttemptedAt) < attemptCooldown {
			continue
		}
		switch inst.Status {
		case model.InstanceZombie:
			// Zombies are reaped only for agents that opted in, and only
			// after the configured grace period.
			if !cfg.AutoTerminateEnabled {
				continue
			}
			if inst.ZombiedAt == nil || now.Sub(*inst.ZombiedAt) < wait {
				continue
			}
			if err := d.Machine.MarkTerminating(ctx, inst.ID); err != nil {
				d.Log.Error(err, "failed to move zombie onto termination path", "instance", inst.ID)
				continue
			}
			offers = append(offers, TerminationOffer{
				InstanceID: inst.ID, PoolID: inst.PoolID, Reason: reasonZombieReap,
			})
		case model.InstanceTerminating:
			if err := d.Machine.TouchTerminationAttempt(ctx, inst.ID); err != nil {
				d.Log.Error(err, "failed to stamp termination retry", "instance", inst.ID)
				continue
			}
			offers = append(offers, TerminationOffer{
				InstanceID: inst.ID, PoolID: inst.PoolID, Reason: reasonRetryUnconfirmed,
			})
		}
	}
	return offers, nil
}
