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

// Package scheduler owns the control plane's background cadences. Fast
// housekeeping (heartbeat sweeps, command expiry, zombie reaping, notice
// retries, decision sweeps) runs on tickers; the heavyweight pricing
// jobs run on cron expressions so operators can read and tune them.

package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/decision"
	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/emergency"
	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/internal/pricing"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
)

// Config holds the cadences. Zero values take the defaults below.
type Config struct {
	// HeartbeatTimeout is how long an agent may stay silent before it is
	// marked offline and its primary becomes a zombie.
	HeartbeatTimeout time.Duration

	HeartbeatSweepInterval time.Duration
	CommandExpiryInterval  time.Duration
	ZombieReapInterval     time.Duration
	NoticeRetryInterval    time.Duration
	DecisionSweepInterval  time.Duration

	// ConsolidationSchedule and RetentionSchedule are cron expressions.
	ConsolidationSchedule string
	RetentionSchedule     string
}

const (
	DefaultHeartbeatTimeout      = 120 * time.Second
	defaultHeartbeatSweep        = 30 * time.Second
	defaultCommandExpiry         = time.Minute
	defaultZombieReap            = time.Minute
	defaultNoticeRetry           = 30 * time.Second
	defaultDecisionSweep         = 5 * time.Minute
	DefaultConsolidationSchedule = "0 */12 * * *"
	DefaultRetentionSchedule     = "30 4 * * *"
)

func (c *Config) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HeartbeatSweepInterval <= 0 {
		c.HeartbeatSweepInterval = defaultHeartbeatSweep
	}
	if c.CommandExpiryInterval <= 0 {
		c.CommandExpiryInterval = defaultCommandExpiry
	}
	if c.ZombieReapInterval <= 0 {
		c.ZombieReapInterval = defaultZombieReap
	}
	if c.NoticeRetryInterval <= 0 {
		c.NoticeRetryInterval = defaultNoticeRetry
	}
	if c.DecisionSweepInterval <= 0 {
		c.DecisionSweepInterval = defaultDecisionSweep
	}
	if c.ConsolidationSchedule == "" {
		c.ConsolidationSchedule = DefaultConsolidationSchedule
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
}

// Scheduler drives the periodic jobs.
type Scheduler struct {
	Store        *store.Store
	Machine      *state.Machine
	Dispatcher   *dispatch.Dispatcher
	Engine       *decision.Engine
	Pipeline     *pricing.Pipeline
	Orchestrator *emergency.Orchestrator
	Clock        clock.WithTicker
	Log          logr.Logger

	cfg  Config
	cron *cron.Cron
	wg   sync.WaitGroup
}

// New builds a Scheduler with defaults applied.
func New(cfg Config, st *store.Store, m *state.Machine, d *dispatch.Dispatcher,
	eng *decision.Engine, pipe *pricing.Pipeline, orch *emergency.Orchestrator,
	clk clock.WithTicker, log logr.Logger) *Scheduler {
	cfg.applyDefaults()
	return &Scheduler{
		Store:        st,
		Machine:      m,
		Dispatcher:   d,
		Engine:       eng,
		Pipeline:     pipe,
		Orchestrator: orch,
		Clock:        clk,
		Log:          log.WithName("scheduler"),
		cfg:          cfg,
	}
}

// Run starts every cadence and blocks until ctx is cancelled, then
// drains the workers before returning.
func (s *Scheduler) Run(ctx context.Context) error {
	s.every(ctx, "heartbeat-sweep", s.cfg.HeartbeatSweepInterval, s.SweepHeartbeats)
	s.every(ctx, "command-expiry", s.cfg.CommandExpiryInterval, s.ExpireCommands)
	s.every(ctx, "zombie-reap", s.cfg.ZombieReapInterval, s.ReapZombies)
	s.every(ctx, "notice-retry", s.cfg.NoticeRetryInterval, s.RetryNotices)
	s.every(ctx, "decision-sweep", s.cfg.DecisionSweepInterval, s.RunDecisionSweep)

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.cfg.ConsolidationSchedule, func() {
		if _, err := s.Pipeline.Consolidate(ctx); err != nil {
			s.Log.Error(err, "scheduled consolidation failed")
		}
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.RetentionSchedule, func() {
		raw, consolidated, canonical, err := s.Pipeline.Prune(ctx)
		if err != nil {
			s.Log.Error(err, "scheduled retention failed")
			return
		}
		s.Log.Info("retention pass finished",
			"raw", raw, "consolidated", consolidated, "canonical", canonical)
	}); err != nil {
		return err
	}
	s.cron.Start()

	<-ctx.Done()
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	s.wg.Wait()
	return ctx.Err()
}

// every runs fn on the interval until ctx ends. A random initial delay
// up to one tenth of the interval keeps replicas from firing in step.
func (s *Scheduler) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		jitter := time.Duration(rand.Int63n(int64(interval)/10 + 1))
		select {
		case <-ctx.Done():
			return
		case <-s.Clock.After(jitter):
		}

		ticker := s.Clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				s.Log.Error(err, "job failed", "job", name)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
		}
	}()
}

// SweepHeartbeats marks agents silent past the timeout offline.
func (s *Scheduler) SweepHeartbeats(ctx context.Context) error {
	cutoff := s.Clock.Now().UTC().Add(-s.cfg.HeartbeatTimeout)
	marked, err := s.Machine.MarkAgentsOffline(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(marked) > 0 {
		s.Log.Info("agents marked offline", "count", len(marked))
	}
	return nil
}

// ExpireCommands fails commands past their deadline.
func (s *Scheduler) ExpireCommands(ctx context.Context) error {
	expired, err := s.Dispatcher.ExpireDue(ctx)
	if err != nil {
		return err
	}
	if expired > 0 {
		s.Log.Info("commands expired", "count", expired)
	}
	return nil
}

// ReapZombies enqueues low-priority terminate commands for zombies past
// their grace period, for agents that opted into auto-termination. The
// pull-based terminate list handles agents that prefer to ask.
func (s *Scheduler) ReapZombies(ctx context.Context) error {
	zombies, err := s.Store.Zombies(ctx)
	if err != nil {
		return err
	}
	now := s.Clock.Now().UTC()

	for _, inst := range zombies {
		cfg, err := s.Store.AgentConfigByID(ctx, inst.AgentID)
		if err != nil {
			s.Log.Error(err, "no config for zombie's agent", "instance", inst.ID)
			continue
		}
		if !cfg.AutoTerminateEnabled {
			continue
		}
		wait := time.Duration(cfg.TerminateWaitSeconds) * time.Second
		if inst.ZombiedAt == nil || now.Sub(*inst.ZombiedAt) < wait {
			continue
		}
		live, err := s.Store.ActiveCommandExists(ctx, inst.AgentID, model.CommandTerminate, "")
		if err != nil || live {
			continue
		}
		if err := s.Machine.MarkTerminating(ctx, inst.ID); err != nil {
			s.Log.Error(err, "failed to move zombie onto termination path", "instance", inst.ID)
			continue
		}
		if _, err := s.Dispatcher.Enqueue(ctx, dispatch.EnqueueRequest{
			AgentID:              inst.AgentID,
			InstanceID:           inst.ID,
			Type:                 model.CommandTerminate,
			Priority:             model.PriorityZombieTerminate,
			TerminateWaitSeconds: cfg.TerminateWaitSeconds,
		}); err != nil {
			s.Log.Error(err, "zombie terminate enqueue failed", "instance", inst.ID)
		}
	}
	return nil
}

// RetryNotices re-drives unresolved interruption notices.
func (s *Scheduler) RetryNotices(ctx context.Context) error {
	retried, err := s.Orchestrator.RetryUnresolved(ctx)
	if err != nil {
		return err
	}
	if retried > 0 {
		s.Log.Info("notices re-driven", "count", retried)
	}
	return nil
}

// RunDecisionSweep runs one decision pass over the fleet.
func (s *Scheduler) RunDecisionSweep(ctx context.Context) error {
	return s.Engine.Sweep(ctx)
}
