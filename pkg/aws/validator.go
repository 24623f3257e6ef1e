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
)

// Validator checks that a configured AWS account is actually reachable.
// The credential monitor and the startup probe both depend on it.
type Validator interface {
	// ValidateAccountAccess assumes the account's role (if configured)
	// and makes a lightweight API call. Returns an error if the account
	// is not accessible.
	ValidateAccountAccess(ctx context.Context, accountConfig AccountConfig) error
}

// AccountValidator implements Validator on top of a Client.
type AccountValidator struct {
	client Client
}

// NewAccountValidator creates an AccountValidator.
func NewAccountValidator(client Client) *AccountValidator {
	return &AccountValidator{client: client}
}

// ValidateAccountAccess builds an EC2 client for the account, which
// triggers AssumeRole when an ARN is configured, then lists availability
// zones as a minimal-permission connectivity probe.
func (v *AccountValidator) ValidateAccountAccess(ctx context.Context, accountConfig AccountConfig) error {
	ec2Client, err := v.client.EC2(ctx, accountConfig)
	if err != nil {
		return fmt.Errorf("failed to create EC2 client for account %s: %w",
			accountConfig.AccountID, err)
	}
	if _, err := ec2Client.AvailabilityZones(ctx); err != nil {
		return fmt.Errorf("failed to validate AWS API access for account %s: %w",
			accountConfig.AccountID, err)
	}
	return nil
}
