// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"sync"
	"time"

	"github.com/bufbuild/pooledhttp/internal"
	"github.com/puzpuzpuz/xsync/v4"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 30 * time.Second
)

// Tracker records the health of service instances, keyed by host:port.
// It is safe for concurrent use.
type Tracker struct {
	threshold int
	cooldown  time.Duration
	clock     internal.Clock
	instances *xsync.Map[string, *instance]
}

type instance struct {
	mu sync.Mutex
	// +checklocks:mu
	state State
	// +checklocks:mu
	failures int
	// +checklocks:mu
	since time.Time
}

// NewTracker returns a tracker that considers an instance unhealthy after
// threshold consecutive failures, and gives it another chance once
// cooldown has passed. Non-positive values select the defaults of three
// failures and thirty seconds.
func NewTracker(threshold int, cooldown time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Tracker{
		threshold: threshold,
		cooldown:  cooldown,
		clock:     internal.NewRealClock(),
		instances: xsync.NewMap[string, *instance](),
	}
}

func (t *Tracker) get(key string) *instance {
	inst, _ := t.instances.LoadOrCompute(key, func() (*instance, bool) {
		return &instance{state: StateUnknown}, false
	})
	return inst
}

// MarkGood records a successful attempt.
func (t *Tracker) MarkGood(key string) {
	inst := t.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.state = StateHealthy
	inst.failures = 0
	inst.since = t.clock.Now()
}

// MarkBad records a failed attempt and returns the resulting state.
func (t *Tracker) MarkBad(key string) State {
	inst := t.get(key)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.failures++
	next := StateDegraded
	if inst.failures >= t.threshold {
		next = StateUnhealthy
	}
	// every failure while unhealthy restarts the cooldown
	if next != inst.state || next == StateUnhealthy {
		inst.state = next
		inst.since = t.clock.Now()
	}
	return next
}

// State returns the current state of the instance.
func (t *Tracker) State(key string) State {
	inst, ok := t.instances.Load(key)
	if !ok {
		return StateUnknown
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state == StateUnhealthy && t.clock.Since(inst.since) >= t.cooldown {
		return StateUnknown
	}
	return inst.state
}

// Retain forgets every instance whose key is not in keys.
func (t *Tracker) Retain(keys []string) {
	keep := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		keep[key] = struct{}{}
	}
	t.instances.Range(func(key string, _ *instance) bool {
		if _, ok := keep[key]; !ok {
			t.instances.Delete(key)
		}
		return true
	})
}

// Len returns the number of instances being tracked.
func (t *Tracker) Len() int {
	return t.instances.Size()
}
