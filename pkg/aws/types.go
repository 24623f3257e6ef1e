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

// Package aws provides abstractions for the AWS APIs the control plane
// needs: spot price history, on-demand list prices, and STS-backed
// account validation. Everything is behind interfaces so the backfill
// reconciler and health checks can be tested against mocks.

package aws

import (
	"time"
)

// ProductLinux is the only product description the backfill asks for.
// Agents run Linux; other platforms never enter the price pipeline.
const ProductLinux = "Linux/UNIX"

// AccountConfig describes how to reach one AWS account.
// Supports both direct credentials and AssumeRole-based access.
type AccountConfig struct {
	// AccountID is the AWS account ID (e.g. "111111111111").
	AccountID string

	// Name is a human-readable label used in logs and health output.
	Name string

	// AssumeRoleARN is the role to assume for cross-account access.
	// If empty, the default credential chain is used.
	AssumeRoleARN string

	// ExternalID is an optional external ID for AssumeRole operations.
	ExternalID string

	// Region is the default region for API calls against this account.
	Region string
}

// SpotPrice is one spot price observation from the EC2 price history API.
type SpotPrice struct {
	InstanceType     string
	AvailabilityZone string

	// Price is the hourly spot price in USD.
	Price float64

	// Timestamp is when AWS recorded the price change.
	Timestamp time.Time

	// ProductDescription is the OS type (e.g. "Linux/UNIX").
	ProductDescription string
}

// OnDemandQuote is the published on-demand list price for an instance
// type in a region.
type OnDemandQuote struct {
	InstanceType string
	Region       string

	// PricePerHour is the hourly on-demand price in USD, shared tenancy.
	PricePerHour float64

	// RetrievedAt is when the quote was fetched from the Pricing API.
	RetrievedAt time.Time
}
