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
	"fmt"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

// wrrEndpoint is one resolver.Endpoint tracked by a wrrEndpointList (spec
// §4.D). Per-endpoint load-balancing across an endpoint's own addresses —
// the "child policy" of a production weighted_round_robin deployment — is
// out of scope; each endpoint gets exactly one SubConn, built from its
// first address, which is the minimal stand-in needed to exercise
// connectivity-state aggregation and weight reporting.
type wrrEndpoint struct {
	list     *wrrEndpointList
	endpoint resolver.Endpoint
	addrKey  addressSetKey
	weight   *endpointWeight

	sc               balancer.SubConn
	state            connectivity.State
	seenInitialState bool // has onStateChange fired at least once?
	err              error

	stopOOB func()
}

func newWrrEndpoint(l *wrrEndpointList, e resolver.Endpoint) *wrrEndpoint {
	key := newAddressSetKey(e.Addresses)
	we := &wrrEndpoint{
		list:     l,
		endpoint: e,
		addrKey:  key,
		weight:   l.b.getOrCreateWeight(key),
		state:    connectivity.Connecting,
	}
	return we
}

// connect creates this endpoint's SubConn and starts it connecting.
// newWrrEndpointList calls it for every endpoint once all of the list's
// endpoints have been constructed, so every list, pending or active, opens
// its connections as soon as it is built.
func (we *wrrEndpoint) connect() {
	if len(we.endpoint.Addresses) == 0 {
		we.state = connectivity.TransientFailure
		we.err = fmt.Errorf("wrr: endpoint has no addresses")
		we.seenInitialState = true
		return
	}
	addr := we.endpoint.Addresses[0]
	sc, err := we.list.b.cc.NewSubConn([]resolver.Address{addr}, balancer.NewSubConnOptions{
		StateListener: we.onStateChange,
	})
	if err != nil {
		we.state = connectivity.TransientFailure
		we.err = err
		we.seenInitialState = true
		return
	}
	we.sc = sc
	we.attachORCA()
	sc.Connect()
}

func (we *wrrEndpoint) onStateChange(scs balancer.SubConnState) {
	wasReady := we.state == connectivity.Ready
	we.state = scs.ConnectivityState
	we.err = scs.ConnectionError
	we.seenInitialState = true
	if we.state == connectivity.Ready && !wasReady {
		// Endpoint transitioned into READY: restart the blackout period
		// (spec §4.D step 2) so a flapping backend can't keep reporting
		// stale weight from before the disconnect.
		we.weight.ResetNonEmptySince()
	}
	we.list.maybeUpdateAggregatedState(nil)
}

func (we *wrrEndpoint) resetBackoff() {
	// SubConn backoff state is owned by the real connection layer; out of
	// tree there is no portable reset hook besides reconnecting endpoints
	// stuck outside READY.
	if we.state != connectivity.Ready && we.sc != nil {
		we.sc.Connect()
	}
}

func (we *wrrEndpoint) close() {
	if we.stopOOB != nil {
		we.stopOOB()
		we.stopOOB = nil
	}
	if we.sc != nil {
		we.sc.Shutdown()
	}
}

// wrrEndpointList is one generation of the endpoint set (spec §4.D). The
// balancer holds at most two at a time: the active list being served by
// the current picker, and a pending list awaiting promotion.
type wrrEndpointList struct {
	b         *wrrBalancer
	endpoints []*wrrEndpoint
}

func newWrrEndpointList(b *wrrBalancer, resolverEndpoints []resolver.Endpoint) *wrrEndpointList {
	l := &wrrEndpointList{b: b}
	l.endpoints = make([]*wrrEndpoint, len(resolverEndpoints))
	for i, e := range resolverEndpoints {
		l.endpoints[i] = newWrrEndpoint(l, e)
	}
	for _, we := range l.endpoints {
		we.connect()
	}
	return l
}

// aggregatedState implements the first-match-wins aggregation rule of spec
// §4.D: READY if any endpoint is READY, else CONNECTING if any endpoint is
// CONNECTING or IDLE (IDLE is treated as CONNECTING and kicked back into
// connecting), else TRANSIENT_FAILURE. An endpoint that has not yet
// delivered its first state notification is excluded from all three
// counters (spec §8: the three counts sum to size only once every endpoint
// has been notified); a list all of whose endpoints are still awaiting
// their first notification reports CONNECTING with every counter at zero.
func (l *wrrEndpointList) aggregatedState() (connectivity.State, uint64, uint64, uint64) {
	var numReady, numConnecting, numTF uint64
	for _, we := range l.endpoints {
		if !we.seenInitialState {
			continue
		}
		switch we.state {
		case connectivity.Ready:
			numReady++
		case connectivity.Idle:
			numConnecting++
			we.sc.Connect()
		case connectivity.Connecting:
			numConnecting++
		case connectivity.TransientFailure:
			numTF++
		}
	}
	switch {
	case numReady > 0:
		return connectivity.Ready, numReady, numConnecting, numTF
	case numConnecting > 0:
		return connectivity.Connecting, numReady, numConnecting, numTF
	case numTF > 0:
		return connectivity.TransientFailure, numReady, numConnecting, numTF
	default:
		return connectivity.Connecting, numReady, numConnecting, numTF
	}
}

// allNotified reports whether every endpoint in the list has delivered at
// least one initial connectivity-state notification.
func (l *wrrEndpointList) allNotified() bool {
	for _, we := range l.endpoints {
		if !we.seenInitialState {
			return false
		}
	}
	return true
}

// maybeUpdateAggregatedState recomputes the list's aggregated state. If l is
// the pending list, it is promoted to active as soon as either (a) it
// reaches READY itself, or (b) the active list it would replace has zero
// READY endpoints and every endpoint in l has delivered at least one
// initial state notification — spec §4.D's pending-promotion rule, gated
// on the same notification bookkeeping the §8 invariant depends on (a
// pending list with endpoints still awaiting their first notification is
// not yet known to be any better than what it would replace, so it waits).
// Once l is (or becomes) the active list, its state is pushed up to the
// channel. triggeringErr, when set, is surfaced verbatim in a
// TRANSIENT_FAILURE picker (spec §7).
func (l *wrrEndpointList) maybeUpdateAggregatedState(triggeringErr error) {
	b := l.b
	if l == b.latestPendingList {
		pendingState, _, _, _ := l.aggregatedState()
		var activeNumReady uint64
		if b.endpointList != nil {
			_, activeNumReady, _, _ = b.endpointList.aggregatedState()
		}
		promote := pendingState == connectivity.Ready || (activeNumReady == 0 && l.allNotified())
		if !promote {
			// Not ready to take over yet; keep serving the active list.
			return
		}
		old := b.endpointList
		b.endpointList = l
		b.latestPendingList = nil
		if old != nil {
			old.close()
		}
	}
	if b.endpointList != l {
		return
	}
	if len(l.endpoints) == 0 {
		l.reportTransientFailure(triggeringErr)
		return
	}

	state, _, _, _ := l.aggregatedState()

	var p balancer.Picker
	switch state {
	case connectivity.Ready:
		p = l.b.newReadyPicker(l.readyEndpoints())
	case connectivity.Connecting:
		p = &errPicker{err: balancer.ErrNoSubConnAvailable}
	default:
		p = &errPicker{err: l.transientFailureError(triggeringErr)}
	}
	l.b.cc.UpdateState(balancer.State{ConnectivityState: state, Picker: p})
}

func (l *wrrEndpointList) readyEndpoints() []*wrrEndpoint {
	out := make([]*wrrEndpoint, 0, len(l.endpoints))
	for _, we := range l.endpoints {
		if we.state == connectivity.Ready {
			out = append(out, we)
		}
	}
	return out
}

func (l *wrrEndpointList) transientFailureError(triggeringErr error) error {
	if triggeringErr != nil {
		return triggeringErr
	}
	var lastErr error
	for _, we := range l.endpoints {
		if we.err != nil {
			lastErr = we.err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("wrr: all endpoints unavailable, last error: %v", lastErr)
	}
	return fmt.Errorf("wrr: all endpoints unavailable")
}

func (l *wrrEndpointList) reportTransientFailure(err error) {
	l.b.cc.UpdateState(balancer.State{
		ConnectivityState: connectivity.TransientFailure,
		Picker:            &errPicker{err: l.transientFailureError(err)},
	})
}

func (l *wrrEndpointList) resetBackoff() {
	for _, we := range l.endpoints {
		we.resetBackoff()
	}
}

func (l *wrrEndpointList) close() {
	for _, we := range l.endpoints {
		we.close()
	}
}

// errPicker always fails picks with the same error; used while the policy
// has no READY endpoint to route to.
type errPicker struct{ err error }

func (p *errPicker) Pick(balancer.PickInfo) (balancer.PickResult, error) {
	return balancer.PickResult{}, p.err
}
