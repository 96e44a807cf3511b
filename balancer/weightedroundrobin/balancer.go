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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc/balancer"
	estats "google.golang.org/grpc/experimental/stats"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"
)

func init() {
	balancer.Register(bb{})
}

type bb struct{}

func (bb) Name() string { return Name }

func (bb) Build(cc balancer.ClientConn, opts balancer.BuildOptions) balancer.Balancer {
	b := &wrrBalancer{
		cc:              cc,
		target:          opts.Target.String(),
		metricsRecorder: opts.MetricsRecorder,
		locality:        localityFromBuildOptions(opts),
		endpointWeights: make(map[addressSetKey]*endpointWeight),
	}
	logger.Infof("[wrr %p] created for target %q", b, b.target)
	return b
}

// localityFromBuildOptions extracts the locality label carried by the
// weighted_target parent, if this policy is running as its child (spec
// §12.1). Absent that, metrics are emitted with an empty locality label.
func localityFromBuildOptions(opts balancer.BuildOptions) string {
	// The real weighted_target integration stashes the locality name in a
	// resolver attribute/channel arg that only exists inside the
	// grpc-go tree (GRPC_ARG_LB_WEIGHTED_TARGET_CHILD); out-of-tree we
	// have no portable way to read it at Build time, so resolver updates
	// may override this via lbConfig-adjacent resolver.State.Attributes
	// in a future extension. For now this always returns "".
	return ""
}

func (bb) ParseConfig(js json.RawMessage) (serviceconfig.LoadBalancingConfig, error) {
	cfg := newDefaultLBConfig()
	if err := json.Unmarshal(js, cfg); err != nil {
		return nil, fmt.Errorf("wrr: unable to unmarshal LB policy config: %s, error: %v", string(js), err)
	}
	if cfg.errorUtilizationPenalty() < 0 {
		return nil, fmt.Errorf("wrr: errorUtilizationPenalty must be non-negative")
	}
	if !cfg.EnableOOBLoadReport {
		cfg.OOBReportingPeriod = 0
	}
	if time.Duration(cfg.WeightUpdatePeriod) < minWeightUpdatePeriod {
		cfg.WeightUpdatePeriod = jsonDuration(minWeightUpdatePeriod)
	}
	return cfg, nil
}

// wrrBalancer is the weighted_round_robin policy's top-level component
// (spec §4.E). All of its methods are invoked serially by gRPC's
// ClientConn — the "work serializer" of spec §5 — so none of its fields
// need their own lock. The weight map still carries one (weightMu); every
// access to the map happens on that serialized path, while OOB watchers and
// picker timers only reach individual endpointWeight values.
type wrrBalancer struct {
	cc              balancer.ClientConn
	target          string
	locality        string
	metricsRecorder estats.MetricsRecorder

	cfg *lbConfig

	endpointList      *wrrEndpointList // active list
	latestPendingList *wrrEndpointList // pending list awaiting promotion
	stopPicker        func()

	weightMu        sync.Mutex
	endpointWeights map[addressSetKey]*endpointWeight

	shutdown bool
}

// getOrCreateWeight returns the existing endpointWeight for key if the map
// already holds a live entry, or creates and stores a new one. This is
// how weight state survives an endpoint reappearing across resolver
// updates (spec §3, EndpointWeight lifecycle).
func (b *wrrBalancer) getOrCreateWeight(key addressSetKey) *endpointWeight {
	b.weightMu.Lock()
	defer b.weightMu.Unlock()
	if w, ok := b.endpointWeights[key]; ok {
		return w
	}
	w := newEndpointWeight(key)
	b.endpointWeights[key] = w
	return w
}

// pruneWeights drops weight-map entries for endpoints that are no
// longer part of the latest update. Must be called with the endpoint set
// from the new update already built.
func (b *wrrBalancer) pruneWeights(keep map[addressSetKey]bool) {
	b.weightMu.Lock()
	defer b.weightMu.Unlock()
	for k := range b.endpointWeights {
		if !keep[k] {
			delete(b.endpointWeights, k)
		}
	}
}

// UpdateClientConnState implements spec §4.E UpdateLocked.
func (b *wrrBalancer) UpdateClientConnState(ccs balancer.ClientConnState) error {
	cfg, ok := ccs.BalancerConfig.(*lbConfig)
	if !ok {
		return fmt.Errorf("wrr: received nil or illegal BalancerConfig (type %T)", ccs.BalancerConfig)
	}
	b.cfg = cfg

	if ccs.ResolverState.Endpoints == nil && len(ccs.ResolverState.Addresses) == 0 {
		return b.handleEmptyOrErrorUpdate(resolver.Endpoint{}, fmt.Errorf("empty address list"))
	}
	wrrUpdatesMetric.Record(b.metricsRecorder, 1, b.target, b.locality)

	endpoints := dedupeAndSortEndpoints(ccs.ResolverState.Endpoints)

	keep := make(map[addressSetKey]bool, len(endpoints))
	for _, e := range endpoints {
		keep[newAddressSetKey(e.Addresses)] = true
	}
	b.pruneWeights(keep)

	newList := newWrrEndpointList(b, endpoints)
	logger.Infof("[wrr %p] built pending endpoint list with %d endpoints", b, len(endpoints))

	if b.endpointList == nil {
		// No active list yet: this pending list becomes active
		// unconditionally, regardless of its initial connectivity state
		// (spec §4.E step 4).
		b.endpointList = newList
		b.latestPendingList = nil
	} else {
		b.latestPendingList = newList
	}
	// Drives promotion of a new pending list (once it has a READY
	// endpoint, or immediately if the list it would replace has no READY
	// endpoint and every one of its own endpoints has reported in) as well
	// as the ordinary state push for whichever list ends up active.
	newList.maybeUpdateAggregatedState(nil)

	// Per-endpoint child construction errors (a failed NewSubConn, or an
	// endpoint with no addresses) are collected into the returned status
	// rather than failing the update outright (spec §7 "child construction
	// errors"): the list as a whole may still be perfectly usable.
	var constructionErrs []error
	for _, we := range newList.endpoints {
		if we.err != nil {
			constructionErrs = append(constructionErrs, fmt.Errorf("endpoint %v: %w", we.addrKey, we.err))
		}
	}
	return errors.Join(constructionErrs...)
}

func (b *wrrBalancer) handleEmptyOrErrorUpdate(_ resolver.Endpoint, err error) error {
	newList := newWrrEndpointList(b, nil)
	b.latestPendingList = nil
	b.endpointList = newList
	newList.reportTransientFailure(err)
	return err
}

// ResolverError implements spec §7 "resolver error": if an active list
// already exists, keep serving it and just surface the error; otherwise
// build an empty list and report TRANSIENT_FAILURE.
func (b *wrrBalancer) ResolverError(err error) {
	if b.endpointList != nil {
		logger.Warningf("[wrr %p] resolver error %v with existing endpoint list; continuing to serve", b, err)
		return
	}
	b.handleEmptyOrErrorUpdate(resolver.Endpoint{}, err)
}

func (b *wrrBalancer) UpdateSubConnState(sc balancer.SubConn, state balancer.SubConnState) {
	logger.Errorf("[wrr %p] UpdateSubConnState(%v, %+v) called unexpectedly", b, sc, state)
}

// ResetBackoff implements balancer.Balancer.
func (b *wrrBalancer) ResetBackoff() {
	if b.endpointList != nil {
		b.endpointList.resetBackoff()
	}
	if b.latestPendingList != nil {
		b.latestPendingList.resetBackoff()
	}
}

func (b *wrrBalancer) Close() {
	b.shutdown = true
	if b.stopPicker != nil {
		b.stopPicker()
		b.stopPicker = nil
	}
	if b.endpointList != nil {
		b.endpointList.close()
	}
	if b.latestPendingList != nil {
		b.latestPendingList.close()
	}
}

// ExitIdle is ignored; this policy always connects to all endpoints.
func (b *wrrBalancer) ExitIdle() {}

// dedupeAndSortEndpoints removes duplicate endpoints (by address-set key)
// and sorts the remainder by address-set key so that, if the set of
// endpoints is unchanged across updates, their indexes don't churn (spec
// §4.E step 2 / §13 tie-break decision).
func dedupeAndSortEndpoints(endpoints []resolver.Endpoint) []resolver.Endpoint {
	seen := make(map[addressSetKey]bool, len(endpoints))
	out := make([]resolver.Endpoint, 0, len(endpoints))
	for _, e := range endpoints {
		key := newAddressSetKey(e.Addresses)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return newAddressSetKey(out[i].Addresses) < newAddressSetKey(out[j].Addresses)
	})
	return out
}
