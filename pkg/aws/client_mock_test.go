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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockClient_TracksAssumeRole(t *testing.T) {
	m := NewMockClient()
	ctx := context.Background()

	_, err := m.EC2(ctx, AccountConfig{
		AccountID:     "111111111111",
		AssumeRoleARN: "arn:aws:iam::111111111111:role/portage",
		Region:        "us-east-1",
	})
	require.NoError(t, err)
	_, err = m.EC2(ctx, AccountConfig{AccountID: "222222222222", Region: "us-east-1"})
	require.NoError(t, err)

	require.Len(t, m.AssumeRoleCalls, 1, "only accounts with an ARN assume a role")
	assert.Equal(t, "111111111111", m.AssumeRoleCalls[0].AccountID)
}

func TestMockEC2Client_SpotPriceHistoryFilters(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := NewMockEC2Client()
	m.History = []SpotPrice{
		{InstanceType: "m5.large", AvailabilityZone: "us-east-1a", Price: 0.034, Timestamp: now},
		{InstanceType: "m5.large", AvailabilityZone: "us-east-1b", Price: 0.031, Timestamp: now.Add(-2 * time.Hour)},
		{InstanceType: "c5.large", AvailabilityZone: "us-east-1a", Price: 0.041, Timestamp: now},
	}

	got, err := m.SpotPriceHistory(context.Background(), []string{"m5.large"}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1, "old samples and other types are filtered")
	assert.Equal(t, "us-east-1a", got[0].AvailabilityZone)
	assert.Equal(t, 1, m.HistoryCalls)
}

func TestMockPricingClient(t *testing.T) {
	m := NewMockPricingClient()
	m.SetPrice("us-east-1", "m5.large", 0.096)

	quote, err := m.OnDemandPrice(context.Background(), "us-east-1", "m5.large")
	require.NoError(t, err)
	assert.Equal(t, 0.096, quote.PricePerHour)

	_, err = m.OnDemandPrice(context.Background(), "us-east-1", "r5.large")
	assert.Error(t, err)
}

func TestAccountValidator(t *testing.T) {
	m := NewMockClient()
	m.EC2Clients["111111111111"] = &MockEC2Client{Zones: []string{"us-east-1a"}}
	v := NewAccountValidator(m)

	err := v.ValidateAccountAccess(context.Background(), AccountConfig{AccountID: "111111111111"})
	assert.NoError(t, err)

	m.EC2Clients["222222222222"] = &MockEC2Client{ZonesError: errors.New("AccessDenied")}
	err = v.ValidateAccountAccess(context.Background(), AccountConfig{AccountID: "222222222222"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "222222222222")
}

func TestParseOnDemandUSD(t *testing.T) {
	doc := `{"terms":{"OnDemand":{"ABC.JRTCKXETXF":{"priceDimensions":{"ABC.JRTCKXETXF.6YS6EN2CT7":{"pricePerUnit":{"USD":"0.0960000000"}}}}}}}`
	price, ok := parseOnDemandUSD(doc)
	require.True(t, ok)
	assert.InDelta(t, 0.096, price, 1e-9)

	_, ok = parseOnDemandUSD(`{"terms":{}}`)
	assert.False(t, ok)
	_, ok = parseOnDemandUSD(`not json`)
	assert.False(t, ok)
}
