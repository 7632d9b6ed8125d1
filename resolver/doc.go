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

// Package resolver provides continuous name resolution for service
// balancers. A [Resolver] turns a service name into the host:port
// addresses of its instances and keeps the set current as it changes.
//
// The default implementation polls an [OnceResolver] whenever the previous
// result expires, or sooner when the balancer asks for a refresh because
// it ran out of healthy instances. [NewDNSResolver] queries DNS;
// [NewStaticResolver] always yields a fixed set of addresses.
package resolver
