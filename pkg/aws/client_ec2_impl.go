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
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// RealEC2Client implements EC2Client with the AWS SDK v2.
type RealEC2Client struct {
	client *ec2.Client
	region string
}

// NewRealEC2Client creates an EC2 client bound to one region with the
// provided credentials, typically the output of an STS AssumeRole.
func NewRealEC2Client(ctx context.Context, region string, creds credentials.StaticCredentialsProvider, endpointURL string) (*RealEC2Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, err
	}

	ec2Opts := []func(*ec2.Options){}
	if endpointURL != "" {
		ec2Opts = append(ec2Opts, func(o *ec2.Options) {
			o.BaseEndpoint = &endpointURL
		})
	}

	return &RealEC2Client{
		client: ec2.NewFromConfig(cfg, ec2Opts...),
		region: region,
	}, nil
}

// SpotPriceHistory pages through DescribeSpotPriceHistory and returns
// Linux/UNIX shared-tenancy observations since start. Rows with an
// unparseable price are skipped rather than failing the whole fetch.
func (c *RealEC2Client) SpotPriceHistory(ctx context.Context, instanceTypes []string, start time.Time) ([]SpotPrice, error) {
	input := &ec2.DescribeSpotPriceHistoryInput{
		StartTime:           &start,
		ProductDescriptions: []string{ProductLinux},
	}
	for _, it := range instanceTypes {
		input.InstanceTypes = append(input.InstanceTypes, ec2types.InstanceType(it))
	}

	var out []SpotPrice
	paginator := ec2.NewDescribeSpotPriceHistoryPaginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, row := range page.SpotPriceHistory {
			if row.SpotPrice == nil || row.AvailabilityZone == nil || row.Timestamp == nil {
				continue
			}
			price, err := strconv.ParseFloat(*row.SpotPrice, 64)
			if err != nil {
				continue
			}
			out = append(out, SpotPrice{
				InstanceType:       string(row.InstanceType),
				AvailabilityZone:   *row.AvailabilityZone,
				Price:              price,
				Timestamp:          row.Timestamp.UTC(),
				ProductDescription: string(row.ProductDescription),
			})
		}
	}
	return out, nil
}

// AvailabilityZones lists AZ names in the client's region.
func (c *RealEC2Client) AvailabilityZones(ctx context.Context) ([]string, error) {
	out, err := c.client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{})
	if err != nil {
		return nil, err
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, az := range out.AvailabilityZones {
		if az.ZoneName != nil {
			zones = append(zones, *az.ZoneName)
		}
	}
	return zones, nil
}
