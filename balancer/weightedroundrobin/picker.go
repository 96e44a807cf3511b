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
	"sync/atomic"
	"time"

	v3orcapb "github.com/cncf/xds/go/xds/data/orca/v3"
	"google.golang.org/grpc/balancer"
	estats "google.golang.org/grpc/experimental/stats"
	"google.golang.org/grpc/orca"
)

// picker is the policy's Picker component (spec §4.C). A picker is built
// once per READY endpoint set and is immutable except for its scheduler,
// which is rebuilt on a timer as load reports refresh endpoint weights.
//
// Lock ordering: timerMu is acquired before schedulerMu whenever both are
// needed in the same call path. No current path holds both at once: stop()
// and scheduleNextRebuild take only timerMu, regenerateScheduler and Pick
// only schedulerMu.
type picker struct {
	endpoints       []*wrrEndpoint // fixed snapshot of READY endpoints
	cfg             *lbConfig
	target, locality string
	metricsRecorder estats.MetricsRecorder

	seq uint32 // atomic; source of the EDF sequence numbers

	timerMu sync.Mutex
	timer   timer
	stopped bool

	schedulerMu sync.Mutex
	scheduler   *staticStrideScheduler
}

func (b *wrrBalancer) newReadyPicker(endpoints []*wrrEndpoint) *picker {
	p := &picker{
		endpoints:       endpoints,
		cfg:             b.cfg,
		target:          b.target,
		locality:        b.locality,
		metricsRecorder: b.metricsRecorder,
	}
	p.regenerateScheduler()
	p.scheduleNextRebuild()
	oldStop := b.stopPicker
	b.stopPicker = p.stop
	if oldStop != nil {
		oldStop()
	}
	return p
}

func (p *picker) inc() uint32 { return atomic.AddUint32(&p.seq, 1) - 1 }

// regenerateScheduler recomputes every endpoint's effective weight (spec
// §4.B GetWeight) and rebuilds the stride scheduler from the result. It
// runs on every picker construction and on every weightUpdatePeriod tick.
func (p *picker) regenerateScheduler() {
	weights := make([]float64, len(p.endpoints))
	var numNotYetUsable, numStale uint64
	now := timeNow()
	expiration := time.Duration(p.cfg.WeightExpirationPeriod)
	blackout := time.Duration(p.cfg.BlackoutPeriod)
	for i, we := range p.endpoints {
		weights[i] = we.weight.GetWeight(now, expiration, blackout, &numNotYetUsable, &numStale)
		endpointWeightsMetric.Record(p.metricsRecorder, weights[i], p.target, p.locality)
	}
	endpointWeightNotYetUsableMetric.Record(p.metricsRecorder, int64(numNotYetUsable), p.target, p.locality)
	endpointWeightStaleMetric.Record(p.metricsRecorder, int64(numStale), p.target, p.locality)

	sched, ok := newStaticStrideScheduler(weights, p.inc)

	p.schedulerMu.Lock()
	if !ok {
		rrFallbackMetric.Record(p.metricsRecorder, 1, p.target, p.locality)
		p.scheduler = nil
	} else {
		p.scheduler = sched
	}
	p.schedulerMu.Unlock()
}

func (p *picker) scheduleNextRebuild() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.stopped {
		return
	}
	p.timer = newTimerFunc(time.Duration(p.cfg.WeightUpdatePeriod), p.onTick)
}

func (p *picker) onTick() {
	p.regenerateScheduler()
	p.scheduleNextRebuild()
}

// stop cancels the rebuild timer. Called when this picker is superseded by
// a newer one, or the balancer is closed.
func (p *picker) stop() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Pick implements balancer.Picker. With no usable scheduler (fewer than
// two endpoints have a positive weight, or all scaled weights are equal)
// it falls back to plain round robin
// over the sequence counter, per spec §4.C / §8.
func (p *picker) Pick(info balancer.PickInfo) (balancer.PickResult, error) {
	p.schedulerMu.Lock()
	sched := p.scheduler
	p.schedulerMu.Unlock()

	var idx int
	if sched != nil {
		idx = sched.pick()
	} else {
		idx = int(p.inc() % uint32(len(p.endpoints)))
	}
	we := p.endpoints[idx]

	result := balancer.PickResult{SubConn: we.sc}
	if p.cfg.EnableOOBLoadReport {
		// Weight already comes from the OOB watcher; no per-call report
		// needed.
		return result, nil
	}

	penalty := p.cfg.errorUtilizationPenalty()
	result.Done = func(doneInfo balancer.DoneInfo) {
		report, ok := doneInfo.ServerLoad.(*v3orcapb.OrcaLoadReport)
		if !ok || report == nil {
			return
		}
		qps, eps, utilization := extractLoadReportFields(report)
		we.weight.MaybeUpdateWeight(qps, eps, utilization, penalty)
	}
	return result, nil
}

// extractLoadReportFields pulls the three inputs MaybeUpdateWeight needs
// out of an ORCA load report, preferring the fractional QPS field and
// application-level utilization when the backend reports them, per spec
// §4.B.
func extractLoadReportFields(report *v3orcapb.OrcaLoadReport) (qps, eps, utilization float64) {
	qps = report.GetRpsFractional()
	if qps == 0 {
		qps = float64(report.GetRps())
	}
	eps = report.GetEps()
	utilization = report.GetApplicationUtilization()
	if utilization == 0 {
		utilization = report.GetCpuUtilization()
	}
	return qps, eps, utilization
}

// attachORCA starts an out-of-band load report watcher for this endpoint's
// SubConn when the policy config requests OOB reporting (spec §4.B /
// §11 ORCA wiring). The returned stop function is stashed on the endpoint
// so Close can tear it down.
func (we *wrrEndpoint) attachORCA() {
	cfg := we.list.b.cfg
	if cfg == nil || !cfg.EnableOOBLoadReport || we.sc == nil {
		return
	}
	period := time.Duration(cfg.OOBReportingPeriod)
	we.stopOOB = orca.RegisterOOBListener(we.sc, &oobListener{we: we}, orca.OOBListenerOptions{
		ReportInterval: period,
	})
}

// oobListener adapts an endpoint's weight accumulator to orca.OOBListener.
type oobListener struct {
	we *wrrEndpoint
}

func (l *oobListener) OnLoadReport(report *v3orcapb.OrcaLoadReport) {
	if report == nil {
		return
	}
	qps, eps, utilization := extractLoadReportFields(report)
	l.we.weight.MaybeUpdateWeight(qps, eps, utilization, l.we.list.b.cfg.errorUtilizationPenalty())
}
