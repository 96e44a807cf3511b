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
	"testing"

	"google.golang.org/grpc/balancer"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/resolver"
)

func TestBuilderName(t *testing.T) {
	if got := (bb{}).Name(); got != Name {
		t.Errorf("Name() = %q, want %q", got, Name)
	}
}

func TestUpdateClientConnStateEmptyAddresses(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)

	err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{},
		BalancerConfig: newDefaultLBConfig(),
	})
	if err == nil {
		t.Fatalf("UpdateClientConnState with no addresses succeeded, want error")
	}
	if got := fcc.latest().ConnectivityState; got != connectivity.TransientFailure {
		t.Errorf("pushed state = %v, want TransientFailure", got)
	}
}

func TestUpdateClientConnStateRejectsBadConfig(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1")},
		BalancerConfig: nil,
	})
	if err == nil {
		t.Fatalf("UpdateClientConnState with nil config succeeded, want error")
	}
}

func TestUpdateClientConnStatePromotesFirstUpdate(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1", "2.2.2.2:2")},
		BalancerConfig: newDefaultLBConfig(),
	})
	if err != nil {
		t.Fatalf("UpdateClientConnState failed: %v", err)
	}
	if b.endpointList == nil {
		t.Fatalf("endpointList not promoted on first update")
	}
	if len(b.endpointList.endpoints) != 2 {
		t.Errorf("len(endpointList.endpoints) = %d, want 2", len(b.endpointList.endpoints))
	}
	if len(fcc.subConns) != 2 {
		t.Errorf("len(subConns) = %d, want 2", len(fcc.subConns))
	}
}

func TestUpdateClientConnStateDedupesEndpoints(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	dup := testEndpoints("1.1.1.1:1", "1.1.1.1:1", "2.2.2.2:2")
	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: dup},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("UpdateClientConnState failed: %v", err)
	}
	if len(b.endpointList.endpoints) != 2 {
		t.Errorf("len(endpointList.endpoints) = %d, want 2 after dedup", len(b.endpointList.endpoints))
	}
}

func TestUpdateClientConnStatePreservesWeightAcrossUpdates(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("first UpdateClientConnState failed: %v", err)
	}
	key := newAddressSetKey([]resolver.Address{{Addr: "1.1.1.1:1"}})
	w := b.getOrCreateWeight(key)
	w.MaybeUpdateWeight(10, 0, 1, 1)

	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1", "2.2.2.2:2")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("second UpdateClientConnState failed: %v", err)
	}

	w2 := b.getOrCreateWeight(key)
	if w2 != w {
		t.Errorf("getOrCreateWeight returned a new endpointWeight, want the same instance across updates")
	}
	if w2.weight != 10 {
		t.Errorf("weight = %v, want 10 (preserved across the update)", w2.weight)
	}
}

func TestUpdateClientConnStatePrunesStaleWeights(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("first UpdateClientConnState failed: %v", err)
	}
	key := newAddressSetKey([]resolver.Address{{Addr: "1.1.1.1:1"}})
	if _, ok := b.endpointWeights[key]; !ok {
		t.Fatalf("weight map missing entry for initial endpoint")
	}

	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("2.2.2.2:2")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("second UpdateClientConnState failed: %v", err)
	}
	if _, ok := b.endpointWeights[key]; ok {
		t.Errorf("weight map still has entry for an endpoint no longer in the resolver update")
	}
}

func TestResolverErrorKeepsServingExistingList(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("UpdateClientConnState failed: %v", err)
	}
	before := len(fcc.states)
	b.ResolverError(errDial)
	if len(fcc.states) != before {
		t.Errorf("ResolverError pushed a new state while an endpoint list was active, want no-op")
	}
}

func TestResolverErrorWithNoListReportsFailure(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	b.ResolverError(errDial)
	if got := fcc.latest().ConnectivityState; got != connectivity.TransientFailure {
		t.Errorf("pushed state = %v, want TransientFailure", got)
	}
}

func TestCloseStopsSubConns(t *testing.T) {
	fcc := &fakeClientConn{}
	b := newTestBalancer(fcc)
	if err := b.UpdateClientConnState(balancer.ClientConnState{
		ResolverState:  resolver.State{Endpoints: testEndpoints("1.1.1.1:1")},
		BalancerConfig: newDefaultLBConfig(),
	}); err != nil {
		t.Fatalf("UpdateClientConnState failed: %v", err)
	}
	b.Close()
	if !b.shutdown {
		t.Errorf("shutdown = false after Close()")
	}
	for i, sc := range fcc.subConns {
		if !sc.shutdown {
			t.Errorf("subConns[%d] not shut down after Close()", i)
		}
	}
}
