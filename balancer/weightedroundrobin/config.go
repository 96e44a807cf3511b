/*
 * Copyright 2024 The Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package weightedroundrobin

import (
	"time"

	"google.golang.org/grpc/serviceconfig"
)

const (
	defaultOOBReportingPeriod     = 10 * time.Second
	defaultBlackoutPeriod         = 10 * time.Second
	defaultWeightUpdatePeriod     = time.Second
	defaultWeightExpirationPeriod = 3 * time.Minute
	defaultErrorUtilizationPenalty = 1.0

	// minWeightUpdatePeriod is the floor imposed on WeightUpdatePeriod
	// regardless of what a config requests, per spec §6.
	minWeightUpdatePeriod = 100 * time.Millisecond
)

// lbConfig is the weighted_round_robin LB policy's JSON configuration, per
// spec §6.
type lbConfig struct {
	serviceconfig.LoadBalancingConfig

	EnableOOBLoadReport     bool         `json:"enableOobLoadReport,omitempty"`
	OOBReportingPeriod      jsonDuration `json:"oobReportingPeriod,omitempty"`
	BlackoutPeriod          jsonDuration `json:"blackoutPeriod,omitempty"`
	WeightUpdatePeriod      jsonDuration `json:"weightUpdatePeriod,omitempty"`
	WeightExpirationPeriod  jsonDuration `json:"weightExpirationPeriod,omitempty"`
	ErrorUtilizationPenalty *float64     `json:"errorUtilizationPenalty,omitempty"`
}

func newDefaultLBConfig() *lbConfig {
	penalty := defaultErrorUtilizationPenalty
	return &lbConfig{
		OOBReportingPeriod:      jsonDuration(defaultOOBReportingPeriod),
		BlackoutPeriod:          jsonDuration(defaultBlackoutPeriod),
		WeightUpdatePeriod:      jsonDuration(defaultWeightUpdatePeriod),
		WeightExpirationPeriod:  jsonDuration(defaultWeightExpirationPeriod),
		ErrorUtilizationPenalty: &penalty,
	}
}

func (c *lbConfig) errorUtilizationPenalty() float64 {
	if c.ErrorUtilizationPenalty == nil {
		return defaultErrorUtilizationPenalty
	}
	return *c.ErrorUtilizationPenalty
}
