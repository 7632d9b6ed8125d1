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

// Package pooledhttp provides an asynchronous HTTP/1.1 client that owns
// and pools its connections, suitable for server-to-server traffic.
//
// A [Client] bounds the number of connections across all destinations,
// queues requests in arrival order when the bound is reached, and reuses
// idle connections most-recently-used first. Each request runs as an
// exchange with an explicit lifecycle (see [State]) that can be observed
// and canceled through the [Exchange] handle returned by [ExecuteAsync].
// The response is buffered, up to a configurable limit, before it is
// handed to a [ResponseHandler], which is invoked exactly once.
//
// Request bodies come from a [BodySource]: static bytes, a reader, a
// generator function, or a push-style producer. Static and generated
// bodies can be sent again on a retry; the others can be consumed once.
//
// A [BalancingClient] layers load balancing on top of a Client. It asks a
// balancer.ServiceBalancer for an instance per attempt, retries transport
// failures and retryable statuses on other instances, and reports the
// outcome of each attempt back so that failing instances are avoided.
//
// Both clients share the same entry points:
//
//	client, err := pooledhttp.NewClient(pooledhttp.WithMaxConnections(50))
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//	req, err := pooledhttp.NewRequest(http.MethodGet, "http://localhost:8080/status")
//	if err != nil {
//		return err
//	}
//	body, err := pooledhttp.Execute(ctx, client, req, pooledhttp.StringHandler())
package pooledhttp
