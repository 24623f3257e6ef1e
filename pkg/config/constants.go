// Copyright 2025 Portage Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

const (
	// DefaultListenAddress is where the agent/operator API binds when
	// not configured otherwise.
	DefaultListenAddress = ":8080"

	// DefaultOpsBindAddress is where healthz, readyz, and metrics bind.
	// Kept on a separate listener so operational endpoints are never
	// exposed through the tenant-facing one.
	DefaultOpsBindAddress = ":8081"
)
