// Copyright 2025 Antfly, Inc.
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

// Command branchwise runs an interactive branching conversation against a
// local Ollama server.
//
// Each prompt is scored against the previous turn. Dependent follow-ups
// continue the current branch from its cached model context; anything else
// starts a fresh branch.
//
// Usage:
//
//	branchwise                     # Start a chat session
//	branchwise chat --tree json    # Print the conversation tree as JSON
//	branchwise version             # Print the version
package main

import (
	"github.com/dovinmu/branchwise"
	"github.com/dovinmu/branchwise/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// By default, GoReleaser will set the following ldflags:
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot, if you're using the --snapshot flag
var version = "dev"

// main.commit: Current git commit SHA
var commit = "none"

func main() {
	cmd.Version = version
	branchwise.Version = version
	branchwise.GitCommit = commit
	cmd.Execute()
}
