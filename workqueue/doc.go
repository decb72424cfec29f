/*
 * Copyright 2024 CloudWeGo Authors
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

// Package workqueue implements a fixed-size work-stealing task pool: each
// worker owns a local deque (push/pop from the bottom, stolen from the
// top by idle peers), backed by a global injector queue for submissions
// from outside the pool. There are no priorities and no cancellation
// tokens; cancellation belongs to the caller's own unit of work (e.g. an
// engine's group boundary), not to the pool.
package workqueue
