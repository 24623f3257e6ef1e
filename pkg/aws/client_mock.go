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
)

// MockClient implements Client for tests with configurable responses
// and AssumeRole call tracking.
type MockClient struct {
	mu sync.RWMutex

	// EC2Clients maps AccountID to its mock EC2 client.
	EC2Clients map[string]*MockEC2Client

	// PricingClientInstance is the shared mock pricing client.
	PricingClientInstance *MockPricingClient

	// AssumeRoleCalls records every request for an account with a role ARN.
	AssumeRoleCalls []AssumeRoleCall

	// EC2Error, when set, fails every EC2() call.
	EC2Error error
}

// AssumeRoleCall records one AssumeRole attempt.
type AssumeRoleCall struct {
	AccountID     string
	AssumeRoleARN string
}

// NewMockClient creates a MockClient with initialized maps.
func NewMockClient() *MockClient {
	return &MockClient{
		EC2Clients:            make(map[string]*MockEC2Client),
		PricingClientInstance: NewMockPricingClient(),
	}
}

// EC2 returns the mock EC2 client registered for the account, creating
// an empty one on first use.
func (m *MockClient) EC2(_ context.Context, accountConfig AccountConfig) (EC2Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EC2Error != nil {
		return nil, m.EC2Error
	}
	if accountConfig.AssumeRoleARN != "" {
		m.AssumeRoleCalls = append(m.AssumeRoleCalls, AssumeRoleCall{
			AccountID:     accountConfig.AccountID,
			AssumeRoleARN: accountConfig.AssumeRoleARN,
		})
	}

	client, ok := m.EC2Clients[accountConfig.AccountID]
	if !ok {
		client = NewMockEC2Client()
		m.EC2Clients[accountConfig.AccountID] = client
	}
	return client, nil
}

// Pricing returns the mock pricing client.
func (m *MockClient) Pricing(_ context.Context) PricingClient {
	return m.PricingClientInstance
}

// MockEC2Client implements EC2Client from canned data.
type MockEC2Client struct {
	mu sync.RWMutex

	// History is returned by SpotPriceHistory after the start filter.
	History []SpotPrice

	// Zones is returned by AvailabilityZones.
	Zones []string

	// HistoryError and ZonesError, when set, fail the respective calls.
	HistoryError error
	ZonesError   error

	// HistoryCalls counts SpotPriceHistory invocations.
	HistoryCalls int
}

// NewMockEC2Client creates an empty MockEC2Client.
func NewMockEC2Client() *MockEC2Client {
	return &MockEC2Client{}
}

// SpotPriceHistory filters the canned history by start time and
// instance type, matching the real client's contract.
func (m *MockEC2Client) SpotPriceHistory(_ context.Context, instanceTypes []string, start time.Time) ([]SpotPrice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.HistoryCalls++
	if m.HistoryError != nil {
		return nil, m.HistoryError
	}

	wanted := map[string]bool{}
	for _, it := range instanceTypes {
		wanted[it] = true
	}
	var out []SpotPrice
	for _, sp := range m.History {
		if sp.Timestamp.Before(start) {
			continue
		}
		if len(wanted) > 0 && !wanted[sp.InstanceType] {
			continue
		}
		out = append(out, sp)
	}
	return out, nil
}

// AvailabilityZones returns the canned zone list.
func (m *MockEC2Client) AvailabilityZones(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ZonesError != nil {
		return nil, m.ZonesError
	}
	return m.Zones, nil
}

// MockPricingClient implements PricingClient from a price table.
type MockPricingClient struct {
	mu sync.RWMutex

	// Prices maps "region:instanceType" to the hourly price.
	Prices map[string]float64

	// Err, when set, fails every lookup.
	Err error
}

// NewMockPricingClient creates an empty MockPricingClient.
func NewMockPricingClient() *MockPricingClient {
	return &MockPricingClient{Prices: make(map[string]float64)}
}

// SetPrice registers an on-demand price for a region and instance type.
func (m *MockPricingClient) SetPrice(region, instanceType string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[region+":"+instanceType] = price
}

// OnDemandPrice returns the registered price or a not-found error.
func (m *MockPricingClient) OnDemandPrice(_ context.Context, region, instanceType string) (*OnDemandQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	price, ok := m.Prices[region+":"+instanceType]
	if !ok {
		return nil, fmt.Errorf("no on-demand price found for %s in %s", instanceType, region)
	}
	return &OnDemandQuote{
		InstanceType: instanceType,
		Region:       region,
		PricePerHour: price,
		RetrievedAt:  time.Now().UTC(),
	}, nil
}
