// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command mechd supervises the worker container of one task instance.
//
// The task and instance come from the TASK and ID environment variables
// (or --task and --id), and are both required.  ENVIRONMENT names the
// deployment, and defaults to production.  The worker is described by a
// manifest file, see mech.Manifest.
//
// mechd exits 0 only if the worker finished its task; any failure to
// supervise exits 1.
package main

import (
	"os"
)

func main() {
	os.Exit(execute())
}
