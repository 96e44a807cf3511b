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

// Package weightedroundrobin implements a weighted_round_robin gRPC load
// balancing policy. It routes RPCs across a set of READY endpoints in
// proportion to weights derived from backend-reported QPS, EPS, and
// utilization, falling back to plain round robin when there isn't enough
// load information to compute a meaningful weight.
package weightedroundrobin

import "time"

// Name is the name of the weighted round robin balancer as registered with
// the gRPC balancer registry and as used in a service config's
// loadBalancingConfig.
const Name = "weighted_round_robin"

// timeNow is the wall-clock source used throughout the package; it is
// swapped out in tests that need deterministic blackout/expiration timing.
var timeNow = time.Now
