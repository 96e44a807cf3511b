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
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc/resolver"
)

// addressSetKey is an unordered-set-equality key over an endpoint's
// addresses, used to identify an endpoint across resolver updates so its
// weight state survives reshuffling (spec's EndpointAddressSet). Addresses
// are sorted before joining so that the key doesn't depend on the order
// they appear in a resolver.Endpoint.
type addressSetKey string

func newAddressSetKey(addrs []resolver.Address) addressSetKey {
	strs := make([]string, len(addrs))
	for i, a := range addrs {
		strs[i] = a.Addr
	}
	sort.Strings(strs)
	return addressSetKey(strings.Join(strs, "\x00"))
}

// endpointWeight is the per-endpoint weight accumulator shared between the
// policy's weight map and any pickers/OOB watchers referencing it (spec
// §4.B). All mutable fields are guarded by mu.
type endpointWeight struct {
	key addressSetKey

	mu            sync.Mutex
	weight        float64
	nonEmptySince time.Time // zero value represents +Inf (no report yet)
	lastUpdated   time.Time // zero value represents +Inf (no report yet)
}

func newEndpointWeight(key addressSetKey) *endpointWeight {
	return &endpointWeight{key: key}
}

// MaybeUpdateWeight computes a new weight from a load report and, if
// non-zero, stores it. Per spec §4.B:
//
//	w = qps / (utilization + (eps/qps)*penalty)   when qps>0 && utilization>0
//	w = 0                                          otherwise
//
// A zero result leaves the existing weight state untouched.
func (w *endpointWeight) MaybeUpdateWeight(qps, eps, utilization, errorUtilizationPenalty float64) {
	if qps <= 0 || utilization <= 0 {
		return
	}
	penalty := 0.0
	if eps > 0 && errorUtilizationPenalty > 0 {
		penalty = eps / qps * errorUtilizationPenalty
	}
	weight := qps / (utilization + penalty)
	if weight == 0 {
		return
	}

	now := timeNow()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.nonEmptySince.IsZero() {
		w.nonEmptySince = now
	}
	w.weight = weight
	w.lastUpdated = now
}

// GetWeight returns the endpoint's current effective weight, applying
// blackout and expiration policy (spec §4.B). numNotYetUsable and numStale
// are incremented (not overwritten) so callers can accumulate across many
// endpoints in one rebuild pass.
func (w *endpointWeight) GetWeight(now time.Time, weightExpirationPeriod, blackoutPeriod time.Duration, numNotYetUsable, numStale *uint64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Never reported, or the most recent report is older than the
	// expiration period: treat as stale/unusable and, in the expiration
	// case, reset nonEmptySince so the blackout period reapplies the next
	// time reports start arriving.
	if w.lastUpdated.IsZero() {
		*numNotYetUsable++
		return 0
	}
	if now.Sub(w.lastUpdated) >= weightExpirationPeriod {
		*numStale++
		w.nonEmptySince = time.Time{}
		return 0
	}
	if blackoutPeriod > 0 && (w.nonEmptySince.IsZero() || now.Sub(w.nonEmptySince) < blackoutPeriod) {
		*numNotYetUsable++
		return 0
	}
	return w.weight
}

// ResetNonEmptySince restarts the blackout period. Called when an endpoint
// transitions READY -> not-READY -> READY, per spec §4.D step 2.
func (w *endpointWeight) ResetNonEmptySince() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nonEmptySince = time.Time{}
}
