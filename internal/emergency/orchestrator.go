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

// Package emergency handles interruption notices from the provider: a
// rebalance recommendation gives roughly two minutes of runway to stage
// a replica, a termination notice means the primary is already lost and
// a replica must be promoted or created at top priority. The invariant
// throughout is notice-first: the notice is durable before any command
// is attempted, so a failed enqueue is re-driven by the retry job
// instead of being lost.

package emergency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/events"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/store"
)

const (
	// RebalanceDeadline is the runway assumed after a rebalance
	// recommendation before capacity is actually reclaimed.
	RebalanceDeadline = 120 * time.Second

	// RebalanceReplicaTTL bounds the staged replica command to the
	// rebalance runway.
	RebalanceReplicaTTL = 120 * time.Second

	// TerminationPromoteTTL is the window for promoting an existing
	// replica once termination is imminent.
	TerminationPromoteTTL = 30 * time.Second

	// TerminationReplicaTTL is the window for a cold replica launch when
	// termination caught the agent without one.
	TerminationReplicaTTL = 60 * time.Second

	// minBootSamples is how many observed boots a pool needs before its
	// measured mean outranks the configured estimate.
	minBootSamples = 3

	// bootStatsTTL caches pool boot rankings; under an interruption
	// storm every agent in a pool asks the same question at once.
	bootStatsTTL = 60 * time.Second
)

// Orchestrator reacts to interruption notices.
type Orchestrator struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Bus        *events.Bus
	Clock      clock.Clock
	Log        logr.Logger

	bootStats *cache.Cache
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(st *store.Store, d *dispatch.Dispatcher, bus *events.Bus, clk clock.Clock, log logr.Logger) *Orchestrator {
	return &Orchestrator{
		Store:      st,
		Dispatcher: d,
		Bus:        bus,
		Clock:      clk,
		Log:        log.WithName("emergency"),
		bootStats:  cache.New(bootStatsTTL, 2*bootStatsTTL),
	}
}

// OnRebalanceRecommendation stages a replica ahead of a probable
// interruption. The notice is persisted before the command is enqueued;
// if pool ranking or the enqueue fails the caller gets the error and
// the retry job re-drives the staged notice.
func (o *Orchestrator) OnRebalanceRecommendation(ctx context.Context, agentID, requestID string) (*model.Command, error) {
	agent, err := o.Store.AgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	// A termination notice outranks a rebalance hint; never downgrade.
	if agent.NoticeStatus == model.NoticeTermination {
		return nil, nil
	}

	deadline := o.Clock.Now().UTC().Add(RebalanceDeadline)
	if err := o.recordNotice(ctx, agent, model.NoticeRebalance, deadline); err != nil {
		return nil, err
	}
	o.announce(ctx, agent, "rebalance_recommendation", "warning",
		fmt.Sprintf("rebalance recommendation, staging replica before %s", deadline.Format(time.RFC3339)))

	pool, err := o.fastestBootPool(ctx, agent)
	if err != nil {
		// Notice is durable; the retry job will try again with fresher
		// boot stats.
		return nil, model.E(model.KindRetriable, "emergency.rebalance", "no target pool ranked", err)
	}
	return o.Dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
		AgentID:      agent.ID,
		InstanceID:   agent.InstanceID,
		Type:         model.CommandCreateReplica,
		TargetMode:   model.ModeSpot,
		TargetPoolID: pool,
		Priority:     model.PriorityEmergencyReplica,
		RequestID:    requestID,
		TTL:          RebalanceReplicaTTL,
	})
}

// OnTerminationNotice reacts to an imminent termination. With a ready
// replica standing by the agent is told to promote it immediately; a
// cold agent gets a top-priority replica launch into the fastest
// booting pool, falling back to the current pool rather than stalling.
func (o *Orchestrator) OnTerminationNotice(ctx context.Context, agentID, requestID string) (*model.Command, error) {
	agent, err := o.Store.AgentByID(ctx, agentID)
	if err != nil {
		return nil, err
	}

	deadline := o.Clock.Now().UTC().Add(RebalanceDeadline)
	if err := o.recordNotice(ctx, agent, model.NoticeTermination, deadline); err != nil {
		return nil, err
	}
	o.announce(ctx, agent, "termination_notice", "critical", "termination imminent")

	replica, err := o.Store.ReadyReplica(ctx, agent.ID)
	if err == nil {
		return o.Dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
			AgentID:    agent.ID,
			InstanceID: replica.ID,
			Type:       model.CommandPromoteReplica,
			Priority:   model.PriorityEmergencyPromote,
			RequestID:  requestID,
			TTL:        TerminationPromoteTTL,
		})
	}
	if !model.IsKind(err, model.KindNotFound) {
		return nil, err
	}

	pool, err := o.fastestBootPool(ctx, agent)
	if err != nil {
		// Termination cannot wait for better data. Launch into the pool
		// the agent already occupies and say so.
		pool = agent.CurrentPoolID
		o.announce(ctx, agent, "boot_ranking_unavailable", "warning",
			"no boot ranking available, replica launches into current pool")
	}
	return o.Dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
		AgentID:      agent.ID,
		InstanceID:   agent.InstanceID,
		Type:         model.CommandCreateReplica,
		TargetMode:   model.ModeSpot,
		TargetPoolID: pool,
		Priority:     model.PriorityEmergencyPromote,
		RequestID:    requestID,
		TTL:          TerminationReplicaTTL,
	})
}

// RetryUnresolved re-drives every agent whose notice is still standing
// but has no live command, typically because the original enqueue
// failed or the command expired unexecuted. The scheduler calls this on
// a short cadence.
func (o *Orchestrator) RetryUnresolved(ctx context.Context) (int, error) {
	agents, err := o.Store.NoticedAgents(ctx)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, agent := range agents {
		staging, err := o.Store.ActiveCommandExists(ctx, agent.ID, model.CommandCreateReplica, "")
		if err != nil || staging {
			continue
		}
		promoting, err := o.Store.ActiveCommandExists(ctx, agent.ID, model.CommandPromoteReplica, "")
		if err != nil || promoting {
			continue
		}
		switch agent.NoticeStatus {
		case model.NoticeRebalance:
			_, err = o.OnRebalanceRecommendation(ctx, agent.ID, "")
		case model.NoticeTermination:
			_, err = o.OnTerminationNotice(ctx, agent.ID, "")
		default:
			continue
		}
		if err != nil {
			o.Log.Error(err, "notice retry failed", "agent", agent.ID, "notice", agent.NoticeStatus)
			continue
		}
		retried++
	}
	return retried, nil
}

// recordNotice durably marks the agent's notice state. Conflicts with
// concurrent heartbeats are retried with a fresh read.
func (o *Orchestrator) recordNotice(ctx context.Context, agent *model.Agent, notice model.NoticeStatus, deadline time.Time) error {
	return store.RetryOnConflict(ctx, o.Log, "emergency.record_notice", func() error {
		fresh, err := o.Store.AgentByID(ctx, agent.ID)
		if err != nil {
			return err
		}
		if fresh.NoticeStatus == notice {
			*agent = *fresh
			return nil
		}
		if err := o.Store.UpdateAgentIf(ctx, fresh.ID, fresh.Version, map[string]any{
			"notice_status":   notice,
			"notice_deadline": deadline,
		}); err != nil {
			return err
		}
		agent.NoticeStatus = notice
		agent.NoticeDeadline = &deadline
		agent.Version = fresh.Version + 1
		return nil
	})
}

// fastestBootPool ranks candidate pools for a replica by expected boot
// time: measured means with enough samples first, then the pool's
// configured estimate. Rankings are cached briefly.
func (o *Orchestrator) fastestBootPool(ctx context.Context, agent *model.Agent) (string, error) {
	inst, err := o.Store.InstanceByID(ctx, agent.InstanceID)
	if err != nil {
		return "", err
	}
	cacheKey := agent.Region + ":" + inst.InstanceType
	if v, found := o.bootStats.Get(cacheKey); found {
		return v.(string), nil
	}

	stats, err := o.Store.PoolBootStats(ctx, agent.Region, inst.InstanceType)
	if err != nil {
		return "", err
	}
	best, bestMean := "", 0.0
	for _, st := range stats {
		if st.Samples < minBootSamples {
			continue
		}
		if best == "" || st.MeanSeconds < bestMean {
			best, bestMean = st.PoolID, st.MeanSeconds
		}
	}
	if best == "" {
		// No measured history yet: fall back to the configured
		// estimates on the pools themselves.
		pools, err := o.Store.PoolsByRegionType(ctx, agent.Region, inst.InstanceType)
		if err != nil {
			return "", err
		}
		for _, p := range pools {
			if p.AvgBootTimeSeconds <= 0 {
				continue
			}
			if best == "" || p.AvgBootTimeSeconds < bestMean {
				best, bestMean = p.ID, p.AvgBootTimeSeconds
			}
		}
	}
	if best == "" {
		return "", model.E(model.KindNotFound, "emergency.fastest_boot_pool", "no candidate pools", nil)
	}

	o.bootStats.Set(cacheKey, best, cache.DefaultExpiration)
	return best, nil
}

// announce writes the durable audit row and mirrors it on the live bus.
func (o *Orchestrator) announce(ctx context.Context, agent *model.Agent, eventType, severity, message string) {
	if err := o.Store.InsertEvent(ctx, &model.SystemEvent{
		Type:       eventType,
		TenantID:   agent.TenantID,
		AgentID:    agent.ID,
		InstanceID: agent.InstanceID,
		Severity:   severity,
		Payload:    message,
	}); err != nil {
		o.Log.Error(err, "event insert failed", "type", eventType, "agent", agent.ID)
	}
	o.Bus.Publish(events.Event{
		Topic:      events.TopicEmergency,
		Type:       eventType,
		TenantID:   agent.TenantID,
		AgentID:    agent.ID,
		InstanceID: agent.InstanceID,
		Severity:   severity,
		Message:    message,
	})
}
