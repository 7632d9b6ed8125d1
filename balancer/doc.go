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

// Package balancer spreads the requests of a pooledhttp.BalancingClient
// across the instances of a service.
//
// A [ServiceBalancer] creates one [ServiceAttempt] per logical request.
// The attempt names an instance; when it fails, [ServiceAttempt.Next]
// names the instance to retry on. The included [Balancer] rotates the
// starting instance round-robin and tracks instance health with a
// health.Tracker, trying degraded and unhealthy instances last. Its
// instances are either fixed, see [NewStatic], or kept current by a
// resolver.Resolver, see [New].
package balancer
