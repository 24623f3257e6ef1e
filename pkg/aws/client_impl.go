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
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// RealClient implements Client against the AWS SDK v2. Sub-clients are
// cached per account and region so AssumeRole is not repeated on every
// call.
type RealClient struct {
	config      ClientConfig
	stsClient   *sts.Client
	endpointURL string

	mu            sync.Mutex
	ec2Clients    map[string]*RealEC2Client // key: accountID:region
	pricingShared *RealPricingClient
}

// NewRealClient builds a RealClient using the default credential chain
// for the base credentials. endpointURL overrides all service endpoints
// when non-empty (LocalStack).
func NewRealClient(ctx context.Context, cfg ClientConfig, endpointURL string) (*RealClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.DefaultRegion),
	)
	if err != nil {
		return nil, err
	}

	stsOpts := []func(*sts.Options){}
	if endpointURL != "" {
		stsOpts = append(stsOpts, func(o *sts.Options) {
			o.BaseEndpoint = &endpointURL
		})
	}

	return &RealClient{
		config:      cfg,
		stsClient:   sts.NewFromConfig(awsCfg, stsOpts...),
		endpointURL: endpointURL,
		ec2Clients:  make(map[string]*RealEC2Client),
	}, nil
}

// EC2 returns a cached or freshly built EC2 client for the account.
func (c *RealClient) EC2(ctx context.Context, accountConfig AccountConfig) (EC2Client, error) {
	region := accountConfig.Region
	if region == "" {
		region = c.config.DefaultRegion
	}
	cacheKey := accountConfig.AccountID + ":" + region

	c.mu.Lock()
	if client, ok := c.ec2Clients[cacheKey]; ok {
		c.mu.Unlock()
		return client, nil
	}
	c.mu.Unlock()

	creds, err := c.getCredentials(ctx, accountConfig)
	if err != nil {
		return nil, err
	}
	client, err := NewRealEC2Client(ctx, region, creds, c.endpointURL)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ec2Clients[cacheKey] = client
	c.mu.Unlock()
	return client, nil
}

// Pricing returns the shared pricing client. The Pricing API only runs
// out of a handful of regions; us-east-1 answers for all of them.
func (c *RealClient) Pricing(ctx context.Context) PricingClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pricingShared == nil {
		c.pricingShared = NewRealPricingClient(ctx, c.endpointURL)
	}
	return c.pricingShared
}

// getCredentials resolves credentials for the account. With an
// AssumeRoleARN it performs STS AssumeRole and pins the temporary
// credentials; otherwise static test credentials stand in so the
// LocalStack path works without an STS round trip.
func (c *RealClient) getCredentials(
	ctx context.Context,
	accountConfig AccountConfig,
) (credentials.StaticCredentialsProvider, error) {
	if accountConfig.AssumeRoleARN == "" {
		return credentials.StaticCredentialsProvider{
			Value: aws.Credentials{
				AccessKeyID:     "test",
				SecretAccessKey: "test",
			},
		}, nil
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         &accountConfig.AssumeRoleARN,
		RoleSessionName: ptrString("portage-" + accountConfig.AccountID),
	}
	if accountConfig.ExternalID != "" {
		input.ExternalId = &accountConfig.ExternalID
	}
	result, err := c.stsClient.AssumeRole(ctx, input)
	if err != nil {
		return credentials.StaticCredentialsProvider{}, err
	}

	return credentials.StaticCredentialsProvider{
		Value: aws.Credentials{
			AccessKeyID:     *result.Credentials.AccessKeyId,
			SecretAccessKey: *result.Credentials.SecretAccessKey,
			SessionToken:    *result.Credentials.SessionToken,
		},
	}, nil
}

func ptrString(s string) *string {
	return &s
}
