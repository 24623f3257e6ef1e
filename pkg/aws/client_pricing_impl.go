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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/pricing"
	pricingtypes "github.com/aws/aws-sdk-go-v2/service/pricing/types"
	"github.com/patrickmn/go-cache"
)

// pricingRegion hosts the Pricing API. The API itself only runs out of
// a few regions and serves data for all of them.
const pricingRegion = "us-east-1"

// quoteTTL bounds how long an on-demand quote is served from cache.
// List prices change on the order of months; an hour is conservative.
const quoteTTL = time.Hour

// regionLocations maps region codes to the location names the Pricing
// API filters on.
var regionLocations = map[string]string{
	"us-east-1":      "US East (N. Virginia)",
	"us-east-2":      "US East (Ohio)",
	"us-west-1":      "US West (N. California)",
	"us-west-2":      "US West (Oregon)",
	"eu-west-1":      "EU (Ireland)",
	"eu-west-2":      "EU (London)",
	"eu-central-1":   "EU (Frankfurt)",
	"ap-northeast-1": "Asia Pacific (Tokyo)",
	"ap-southeast-1": "Asia Pacific (Singapore)",
	"ap-southeast-2": "Asia Pacific (Sydney)",
	"ap-south-1":     "Asia Pacific (Mumbai)",
	"sa-east-1":      "South America (Sao Paulo)",
	"ca-central-1":   "Canada (Central)",
}

// RealPricingClient implements PricingClient against the Pricing API
// with an in-memory quote cache.
type RealPricingClient struct {
	client *pricing.Client
	quotes *cache.Cache
}

// NewRealPricingClient creates a pricing client. Construction cannot
// fail usefully, so config errors surface on the first lookup instead.
func NewRealPricingClient(ctx context.Context, endpointURL string) *RealPricingClient {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(pricingRegion))
	if err != nil {
		return &RealPricingClient{quotes: cache.New(quoteTTL, 2*quoteTTL)}
	}
	opts := []func(*pricing.Options){}
	if endpointURL != "" {
		opts = append(opts, func(o *pricing.Options) {
			o.BaseEndpoint = &endpointURL
		})
	}
	return &RealPricingClient{
		client: pricing.NewFromConfig(cfg, opts...),
		quotes: cache.New(quoteTTL, 2*quoteTTL),
	}
}

// OnDemandPrice looks up the shared-tenancy Linux on-demand price.
func (c *RealPricingClient) OnDemandPrice(ctx context.Context, region, instanceType string) (*OnDemandQuote, error) {
	if c.client == nil {
		return nil, fmt.Errorf("pricing client not initialized")
	}
	location, ok := regionLocations[region]
	if !ok {
		return nil, fmt.Errorf("no pricing location known for region %q", region)
	}

	key := region + ":" + instanceType
	if v, found := c.quotes.Get(key); found {
		q := v.(OnDemandQuote)
		return &q, nil
	}

	out, err := c.client.GetProducts(ctx, &pricing.GetProductsInput{
		ServiceCode: ptrString("AmazonEC2"),
		Filters: []pricingtypes.Filter{
			termMatch("instanceType", instanceType),
			termMatch("location", location),
			termMatch("operatingSystem", "Linux"),
			termMatch("tenancy", "Shared"),
			termMatch("preInstalledSw", "NA"),
			termMatch("capacitystatus", "Used"),
		},
	})
	if err != nil {
		return nil, err
	}

	for _, doc := range out.PriceList {
		price, ok := parseOnDemandUSD(doc)
		if !ok {
			continue
		}
		quote := OnDemandQuote{
			InstanceType: instanceType,
			Region:       region,
			PricePerHour: price,
			RetrievedAt:  time.Now().UTC(),
		}
		c.quotes.Set(key, quote, cache.DefaultExpiration)
		return &quote, nil
	}
	return nil, fmt.Errorf("no on-demand price found for %s in %s", instanceType, region)
}

func termMatch(field, value string) pricingtypes.Filter {
	return pricingtypes.Filter{
		Type:  pricingtypes.FilterTypeTermMatch,
		Field: ptrString(field),
		Value: ptrString(value),
	}
}

// parseOnDemandUSD digs the USD hourly rate out of one Pricing API
// price-list document. The document nests two levels of opaque keys
// (offer term code, rate code) before the price dimension.
func parseOnDemandUSD(doc string) (float64, bool) {
	var parsed struct {
		Terms struct {
			OnDemand map[string]struct {
				PriceDimensions map[string]struct {
					PricePerUnit struct {
						USD string `json:"USD"`
					} `json:"pricePerUnit"`
				} `json:"priceDimensions"`
			} `json:"OnDemand"`
		} `json:"terms"`
	}
	if err := json.Unmarshal([]byte(doc), &parsed); err != nil {
		return 0, false
	}
	for _, term := range parsed.Terms.OnDemand {
		for _, dim := range term.PriceDimensions {
			price, err := strconv.ParseFloat(dim.PricePerUnit.USD, 64)
			if err != nil || price <= 0 {
				continue
			}
			return price, true
		}
	}
	return 0, false
}
