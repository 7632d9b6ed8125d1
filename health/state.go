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

import "fmt"

// State is the health of a service instance. Better states order before
// worse ones, so sorting by State puts healthy instances first.
type State int

const (
	// StateHealthy means the last attempt sent to the instance succeeded.
	StateHealthy = State(-1)
	// StateUnknown means nothing is known yet, or an unhealthy instance
	// has served its cooldown and is on probation.
	StateUnknown = State(0)
	// StateDegraded means recent attempts failed, but fewer than the
	// threshold.
	StateDegraded = State(1)
	// StateUnhealthy means the failure threshold was reached.
	StateUnhealthy = State(2)
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	case StateUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}
