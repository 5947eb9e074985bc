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

package cmd

import (
	"github.com/dovinmu/branchwise"
	"github.com/dovinmu/branchwise/lib/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var pullCmd = &cobra.Command{
	Use:   "pull [model...]",
	Short: "Pull the models a session needs",
	Long: `Download models to the Ollama server.

With no arguments the configured response and embedding models are pulled.

Examples:
  # Pull the configured models
  branchwise pull

  # Pull specific models
  branchwise pull llama3.2:3b nomic-embed-text`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)

	defaults := branchwise.DefaultConfig()
	pullCmd.Flags().String("model", defaults.Model, "Ollama model used for responses")
	pullCmd.Flags().String("embed-model", defaults.EmbedModel, "Ollama model used for similarity scoring")
}

func runPull(cmd *cobra.Command, args []string) error {
	client, err := branchwise.NewOllamaClient(viper.GetString("ollama_url"))
	if err != nil {
		return err
	}

	names := args
	if len(names) == 0 {
		names = configuredModels(cmd)
	}
	return cli.PullModels(cmd.Context(), client, cmd.ErrOrStderr(), names)
}

// configuredModels prefers explicit flags over viper settings.
func configuredModels(cmd *cobra.Command) []string {
	model := viper.GetString("model")
	if f := cmd.Flags().Lookup("model"); f != nil && (f.Changed || model == "") {
		model = f.Value.String()
	}
	embed := viper.GetString("embed_model")
	if f := cmd.Flags().Lookup("embed-model"); f != nil && (f.Changed || embed == "") {
		embed = f.Value.String()
	}
	return []string{model, embed}
}
