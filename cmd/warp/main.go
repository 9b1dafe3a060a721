// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// warp is the MCP connection pool CLI. It reads a warp.yaml describing
// MCP servers and lets you inspect them, list their tools, invoke
// tools at process or thread scope, and run the pool as a long-lived
// process with config hot-reload.
package main

func main() {
	Execute()
}
