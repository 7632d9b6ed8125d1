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

// Package health tracks the health of service instances from the outcome
// of the requests sent to them.
//
// A [Tracker] is fed by a balancer: every attempt that succeeds marks its
// instance good, and every attempt that fails marks it bad. Consecutive
// failures degrade an instance and, past a threshold, make it unhealthy
// for a cooldown period. Balancers order instances by [State] so that
// healthy ones are tried first.
package health
