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

package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"github.com/nextdoor/portage/internal/model"
	"github.com/nextdoor/portage/pkg/metrics"
)

const localTenant = "portage_tenant"

// authenticate resolves the bearer token to a tenant. Lookups are
// cached briefly so every heartbeat does not hit the store.
func (s *Server) authenticate(c *fiber.Ctx) error {
	header := c.Get(fiber.HeaderAuthorization)
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return model.E(model.KindAuth, "server.auth", "missing bearer token", nil)
	}

	var tenant *model.Tenant
	if cached, found := s.tenants.Get(token); found {
		tenant = cached.(*model.Tenant)
	} else {
		t, err := s.Store.TenantByToken(c.UserContext(), token)
		if model.IsKind(err, model.KindNotFound) {
			return model.E(model.KindAuth, "server.auth", "unknown token", nil)
		}
		if err != nil {
			return err
		}
		s.tenants.SetDefault(token, t)
		tenant = t
	}

	if !tenant.Enabled {
		return model.E(model.KindAuth, "server.auth", "tenant disabled", nil)
	}
	c.Locals(localTenant, tenant)
	return c.Next()
}

// throttle applies the per-tenant request budget.
func (s *Server) throttle(c *fiber.Ctx) error {
	tenant := tenantFrom(c)
	s.mu.Lock()
	lim, ok := s.limiters[tenant.ID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.opts.TenantRequestsPerSecond), s.opts.TenantBurst)
		s.limiters[tenant.ID] = lim
	}
	s.mu.Unlock()

	if !lim.Allow() {
		c.Set(fiber.HeaderRetryAfter, "1")
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "tenant rate limit exceeded",
		})
	}
	return c.Next()
}

// observe records request latency per route.
func (s *Server) observe(c *fiber.Ctx) error {
	if s.Metrics == nil {
		return c.Next()
	}
	start := time.Now()
	err := c.Next()

	route := metrics.NormalizeRoute(c.Route().Path)
	status := c.Response().StatusCode()
	if err != nil {
		status = httpStatus(err)
	}
	s.Metrics.RequestDuration.
		WithLabelValues(route, c.Method(), strconv.Itoa(status)).
		Observe(time.Since(start).Seconds())
	return err
}

func tenantFrom(c *fiber.Ctx) *model.Tenant {
	return c.Locals(localTenant).(*model.Tenant)
}

// loadAgent fetches the agent addressed by the path and scopes it to
// the authenticated tenant. Foreign agents read as not found so token
// probing cannot enumerate the fleet.
func (s *Server) loadAgent(c *fiber.Ctx) (*model.Agent, error) {
	agent, err := s.Store.AgentByID(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, err
	}
	if agent.TenantID != tenantFrom(c).ID {
		return nil, model.E(model.KindNotFound, "server.agent", "no such agent", nil)
	}
	return agent, nil
}

// requestKey is the dispatcher idempotency key: the caller's
// X-Request-ID when given, otherwise the generated request ID.
func requestKey(c *fiber.Ctx) string {
	if id := c.Get(fiber.HeaderXRequestID); id != "" {
		return id
	}
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
