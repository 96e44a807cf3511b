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
	"sync"

	"google.golang.org/grpc/balancer"
	estats "google.golang.org/grpc/experimental/stats"
	"google.golang.org/grpc/resolver"
)

// fakeClientConn is a minimal balancer.ClientConn double that records every
// NewSubConn and UpdateState call so tests can assert on them without
// standing up a real channel.
type fakeClientConn struct {
	mu sync.Mutex

	subConns  []*fakeSubConn
	newErr    error
	lastState balancer.State
	states    []balancer.State
}

func (f *fakeClientConn) NewSubConn(addrs []resolver.Address, opts balancer.NewSubConnOptions) (balancer.SubConn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newErr != nil {
		return nil, f.newErr
	}
	sc := &fakeSubConn{addrs: addrs, listener: opts.StateListener}
	f.subConns = append(f.subConns, sc)
	return sc, nil
}

func (f *fakeClientConn) RemoveSubConn(balancer.SubConn)                       {}
func (f *fakeClientConn) UpdateAddresses(balancer.SubConn, []resolver.Address) {}
func (f *fakeClientConn) ResolveNow(resolver.ResolveNowOptions)                {}
func (f *fakeClientConn) Target() string                                      { return "fake" }

func (f *fakeClientConn) UpdateState(s balancer.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastState = s
	f.states = append(f.states, s)
}

func (f *fakeClientConn) latest() balancer.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastState
}

// fakeSubConn is a minimal balancer.SubConn double. Tests drive connectivity
// transitions by calling push, which forwards to the listener installed via
// NewSubConnOptions.StateListener exactly as the real channel would.
type fakeSubConn struct {
	addrs      []resolver.Address
	listener   func(balancer.SubConnState)
	connectCt  int
	shutdown   bool
}

func (s *fakeSubConn) UpdateAddresses([]resolver.Address) {}
func (s *fakeSubConn) Connect()                           { s.connectCt++ }
func (s *fakeSubConn) Shutdown()                           { s.shutdown = true }
func (s *fakeSubConn) GetOrBuildProducer(balancer.ProducerBuilder) (balancer.Producer, func()) {
	return nil, func() {}
}

func (s *fakeSubConn) push(state balancer.SubConnState) {
	if s.listener != nil {
		s.listener(state)
	}
}

// fakeMetricsRecorder is a no-op estats.MetricsRecorder. The real channel
// always substitutes a no-op recorder before handing a nil one to a
// balancer's BuildOptions (see xdsclient's OptionsForTesting handling of a
// nil MetricsRecorder); tests construct a wrrBalancer/picker directly, so
// they need to do that substitution themselves or every Int64CountHandle /
// Float64HistoHandle.Record call (unguarded against a nil recorder) panics.
type fakeMetricsRecorder struct{}

func (fakeMetricsRecorder) RecordInt64Count(*estats.Int64CountHandle, int64, ...string)       {}
func (fakeMetricsRecorder) RecordFloat64Count(*estats.Float64CountHandle, float64, ...string) {}
func (fakeMetricsRecorder) RecordInt64Histo(*estats.Int64HistoHandle, int64, ...string)       {}
func (fakeMetricsRecorder) RecordFloat64Histo(*estats.Float64HistoHandle, float64, ...string) {}
func (fakeMetricsRecorder) RecordInt64Gauge(*estats.Int64GaugeHandle, int64, ...string)       {}
