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

package aws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	credentialCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portage_aws_credential_check_total",
			Help: "Total number of AWS credential checks performed by account and status",
		},
		[]string{"account_id", "status"},
	)

	credentialCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portage_aws_credential_check_duration_seconds",
			Help:    "Duration of AWS credential checks in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"account_id"},
	)

	credentialHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portage_aws_credential_healthy",
			Help: "Indicates if AWS credentials are healthy (1=healthy, 0=unhealthy)",
		},
		[]string{"account_id"},
	)
)

// DefaultCheckInterval is how often the monitor re-validates accounts
// when the caller does not choose an interval.
const DefaultCheckInterval = 10 * time.Minute

// AccountStatus is the cached health of one AWS account.
type AccountStatus struct {
	AccountID   string
	Name        string
	LastChecked time.Time
	LastError   error
	Healthy     bool
}

// CredentialMonitor runs periodic background checks of AWS credentials
// and caches results so readiness probes read memory instead of making
// an STS round trip per request. Readiness only degrades when every
// configured account is unhealthy: the backfill can still make progress
// with a single working account.
type CredentialMonitor struct {
	validator     Validator
	accounts      []AccountConfig
	checkInterval time.Duration

	mu            sync.RWMutex
	accountStatus map[string]*AccountStatus

	cancel context.CancelFunc
	done   chan struct{}
	log    logr.Logger
}

// NewCredentialMonitor creates a monitor. Call Start to begin checking.
func NewCredentialMonitor(validator Validator, accounts []AccountConfig, checkInterval time.Duration, log logr.Logger) *CredentialMonitor {
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	return &CredentialMonitor{
		validator:     validator,
		accounts:      accounts,
		checkInterval: checkInterval,
		accountStatus: make(map[string]*AccountStatus),
		log:           log.WithName("credential-monitor"),
	}
}

// Start checks all accounts once synchronously, then keeps checking on
// the configured interval until Stop or ctx cancellation.
func (m *CredentialMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	m.checkAll(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.checkAll(ctx)
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (m *CredentialMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

func (m *CredentialMonitor) checkAll(ctx context.Context) {
	for _, account := range m.accounts {
		m.checkAccount(ctx, account)
	}
}

func (m *CredentialMonitor) checkAccount(ctx context.Context, account AccountConfig) {
	started := time.Now()
	err := m.validator.ValidateAccountAccess(ctx, account)
	elapsed := time.Since(started)

	credentialCheckDuration.WithLabelValues(account.AccountID).Observe(elapsed.Seconds())
	status := "success"
	healthy := 1.0
	if err != nil {
		status = "failure"
		healthy = 0
		m.log.Error(err, "credential check failed",
			"account", account.AccountID, "name", account.Name)
	}
	credentialCheckTotal.WithLabelValues(account.AccountID, status).Inc()
	credentialHealthy.WithLabelValues(account.AccountID).Set(healthy)

	m.mu.Lock()
	m.accountStatus[account.AccountID] = &AccountStatus{
		AccountID:   account.AccountID,
		Name:        account.Name,
		LastChecked: started,
		LastError:   err,
		Healthy:     err == nil,
	}
	m.mu.Unlock()
}

// Status returns a snapshot of every monitored account's health.
func (m *CredentialMonitor) Status() []AccountStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AccountStatus, 0, len(m.accountStatus))
	for _, st := range m.accountStatus {
		out = append(out, *st)
	}
	return out
}

// Ready reports readiness from the cached state. No accounts configured
// is ready (the control plane runs agent-priced without backfill), and
// any single healthy account keeps the probe green.
func (m *CredentialMonitor) Ready() error {
	if len(m.accounts) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var unhealthy []string
	for _, account := range m.accounts {
		st, checked := m.accountStatus[account.AccountID]
		if checked && st.Healthy {
			return nil
		}
		if checked {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%s): %v", account.Name, account.AccountID, st.LastError))
		} else {
			unhealthy = append(unhealthy, fmt.Sprintf("%s (%s): not yet checked", account.Name, account.AccountID))
		}
	}
	return fmt.Errorf("no healthy AWS accounts (%d configured): %v", len(m.accounts), unhealthy)
}
