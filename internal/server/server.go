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

// Package server exposes the control plane over HTTP: the agent API the
// fleet reports into, the operator API, and the separate ops listener
// for health and metrics.
package server

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/nextdoor/portage/internal/cache"
	"github.com/nextdoor/portage/internal/decision"
	"github.com/nextdoor/portage/internal/dispatch"
	"github.com/nextdoor/portage/internal/emergency"
	"github.com/nextdoor/portage/internal/pricing"
	"github.com/nextdoor/portage/internal/state"
	"github.com/nextdoor/portage/internal/store"
	"github.com/nextdoor/portage/pkg/metrics"
)

const (
	// tenantCacheTTL bounds how long a revoked token keeps working.
	tenantCacheTTL = 30 * time.Second

	defaultPollLimit = 10

	DefaultTenantRequestsPerSecond = 50
	DefaultTenantBurst             = 100
)

// Options tunes the API surface.
type Options struct {
	// TenantRequestsPerSecond and TenantBurst bound each tenant's
	// request rate across all its agents.
	TenantRequestsPerSecond int
	TenantBurst             int

	// ScorerPath is the default artifact for the scorer reload
	// endpoint when the request names none.
	ScorerPath string
}

func (o *Options) applyDefaults() {
	if o.TenantRequestsPerSecond <= 0 {
		o.TenantRequestsPerSecond = DefaultTenantRequestsPerSecond
	}
	if o.TenantBurst <= 0 {
		o.TenantBurst = DefaultTenantBurst
	}
}

// Server is the HTTP front of the control plane.
type Server struct {
	App *fiber.App

	Store        *store.Store
	Machine      *state.Machine
	Dispatcher   *dispatch.Dispatcher
	Ingestor     *pricing.Ingestor
	Orchestrator *emergency.Orchestrator
	Scorer       *decision.Handle
	Clock        clock.Clock
	Log          logr.Logger

	// Metrics is optional; a nil value disables instrumentation.
	Metrics *metrics.Metrics

	// Prices is the optional canonical price cache backing the
	// operator pricing view.
	Prices *cache.PriceCache

	opts    Options
	tenants *gocache.Cache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New wires the routes. The returned server still needs Listen.
func New(opts Options, st *store.Store, machine *state.Machine, d *dispatch.Dispatcher,
	ing *pricing.Ingestor, orch *emergency.Orchestrator, scorer *decision.Handle,
	clk clock.Clock, log logr.Logger) *Server {

	opts.applyDefaults()
	s := &Server{
		Store:        st,
		Machine:      machine,
		Dispatcher:   d,
		Ingestor:     ing,
		Orchestrator: orch,
		Scorer:       scorer,
		Clock:        clk,
		Log:          log.WithName("server"),
		opts:         opts,
		tenants:      gocache.New(tenantCacheTTL, time.Minute),
		limiters:     make(map[string]*rate.Limiter),
	}

	s.App = fiber.New(fiber.Config{
		AppName:               "portage",
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	s.App.Use(requestid.New())
	s.App.Use(s.observe)

	api := s.App.Group("/api/v1", s.authenticate, s.throttle)

	agents := api.Group("/agents")
	agents.Post("/register", s.handleRegister)
	agents.Post("/:id/heartbeat", s.handleHeartbeat)
	agents.Get("/:id/commands", s.handleCommands)
	agents.Post("/:id/commands/:cmdID/report", s.handleCommandReport)
	agents.Post("/:id/switch-report", s.handleSwitchReport)
	agents.Post("/:id/pricing-report", s.handlePricingReport)
	agents.Post("/:id/rebalance-recommendation", s.handleRebalance)
	agents.Post("/:id/termination-imminent", s.handleTerminationImminent)
	agents.Post("/:id/termination-report", s.handleTerminationReport)
	agents.Get("/:id/terminate-list", s.handleTerminateList)

	operator := api.Group("/operator")
	operator.Get("/instances", s.handleListInstances)
	operator.Post("/agents/:id/force-switch", s.handleForceSwitch)
	operator.Get("/emergency-status", s.handleEmergencyStatus)
	operator.Get("/notifications", s.handleNotifications)
	operator.Get("/pricing", s.handlePricing)
	operator.Post("/scorer/reload", s.handleScorerReload)

	return s
}

// Listen serves the API until Shutdown is called.
func (s *Server) Listen(addr string) error {
	s.Log.Info("api listening", "addr", addr)
	return s.App.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown() error {
	return s.App.ShutdownWithTimeout(10 * time.Second)
}
