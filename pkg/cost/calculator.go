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

// Package cost holds the pure savings arithmetic shared by the decision
// engine and the switch audit trail. Everything here is stateless and
// safe to call concurrently; all rates are USD per hour.
package cost

// SavingsPercent is the relative saving of paying spot instead of the
// on-demand reference, as a percentage. A non-positive reference yields
// zero rather than a division blow-up, since an unknown baseline means
// no savings can be claimed.
func SavingsPercent(spot, onDemand float64) float64 {
	if onDemand <= 0 {
		return 0
	}
	return (onDemand - spot) / onDemand * 100
}

// HourlyDelta is the hourly price difference moving from one rate to
// another. Positive means the move saves money.
func HourlyDelta(from, to float64) float64 {
	return from - to
}

// ProjectedDaily extrapolates an hourly delta over one day of continuous
// operation. This is the convention used for the tenant savings counter:
// an estimate, not realized accounting.
func ProjectedDaily(hourlyDelta float64) float64 {
	return hourlyDelta * 24
}

// Estimate summarizes the financial case for one candidate move.
type Estimate struct {
	CurrentHourly    float64
	CandidateHourly  float64
	OnDemandHourly   float64
	HourlyDelta      float64
	SavingsPercent   float64
	CandidatePercent float64
}

// Estimate compares a current rate and a candidate rate against the
// on-demand reference.
func NewEstimate(current, candidate, onDemand float64) Estimate {
	return Estimate{
		CurrentHourly:    current,
		CandidateHourly:  candidate,
		OnDemandHourly:   onDemand,
		HourlyDelta:      HourlyDelta(current, candidate),
		SavingsPercent:   SavingsPercent(current, onDemand),
		CandidatePercent: SavingsPercent(candidate, onDemand),
	}
}

// Worthwhile reports whether the candidate clears the configured minimum
// savings threshold, measured as additional percentage points of saving
// against the on-demand reference.
func (e Estimate) Worthwhile(minSavingsPercent float64) bool {
	return e.CandidatePercent-e.SavingsPercent >= minSavingsPercent
}
