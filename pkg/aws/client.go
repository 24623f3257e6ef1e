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
	"time"
)

// Client is the entry point for AWS access. It hands out per-account
// sub-clients with credential management (including cross-account
// AssumeRole) handled internally.
type Client interface {
	// EC2 returns an EC2Client for the specified account configuration.
	// If accountConfig.AssumeRoleARN is set, that role is assumed;
	// otherwise the default credential chain is used.
	EC2(ctx context.Context, accountConfig AccountConfig) (EC2Client, error)

	// Pricing returns a PricingClient. Pricing data is public, so no
	// account-specific credentials are involved.
	Pricing(ctx context.Context) PricingClient
}

// EC2Client is the slice of the EC2 API the backfill and health checks use.
type EC2Client interface {
	// SpotPriceHistory returns spot price observations for the given
	// instance types since start, Linux/UNIX shared tenancy only.
	// An empty instanceTypes slice returns history for all types.
	SpotPriceHistory(ctx context.Context, instanceTypes []string, start time.Time) ([]SpotPrice, error)

	// AvailabilityZones lists the AZ names visible to this account in
	// the client's region. Also serves as the lightweight probe the
	// account validator uses to verify credentials.
	AvailabilityZones(ctx context.Context) ([]string, error)
}

// PricingClient looks up published on-demand list prices.
type PricingClient interface {
	// OnDemandPrice returns the shared-tenancy Linux on-demand price
	// for an instance type in a region.
	OnDemandPrice(ctx context.Context, region, instanceType string) (*OnDemandQuote, error)
}

// ClientConfig configures AWS client creation.
type ClientConfig struct {
	// DefaultRegion is the region used when an account does not name one.
	DefaultRegion string

	// MaxRetries bounds AWS SDK retries. Default: 3.
	MaxRetries int

	// HTTPTimeout is the timeout for HTTP requests to AWS APIs.
	// Default: 30 seconds.
	HTTPTimeout time.Duration
}

// NewClient creates a production client against the real AWS endpoints.
func NewClient(ctx context.Context, config ClientConfig) (Client, error) {
	return NewClientWithEndpoint(ctx, config, "")
}

// NewClientWithEndpoint creates a client with a custom endpoint URL,
// used for testing against LocalStack ("http://localhost:4566").
func NewClientWithEndpoint(ctx context.Context, config ClientConfig, endpointURL string) (Client, error) {
	return NewRealClient(ctx, config, endpointURL)
}
