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

import "time"

// timer is the minimal event-loop primitive the picker needs to schedule
// its periodic scheduler rebuild (spec §4.C / §6, "event-loop timer
// primitive"). It is satisfied by *time.Timer; tests substitute a fake so
// that rebuilds can be driven deterministically instead of by wall-clock
// sleeps.
type timer interface {
	Stop() bool
}

// newTimerFunc constructs a timer that invokes f after d elapses. It is a
// package-level variable so tests can intercept scheduling without
// depending on real time.
var newTimerFunc = func(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}
