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

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List models on the Ollama server",
	Long:  `List models available on the Ollama server and report configured models that are missing.`,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	defaults := branchwise.DefaultConfig()
	listCmd.Flags().String("model", defaults.Model, "Ollama model used for responses")
	listCmd.Flags().String("embed-model", defaults.EmbedModel, "Ollama model used for similarity scoring")
}

func runList(cmd *cobra.Command, args []string) error {
	client, err := branchwise.NewOllamaClient(viper.GetString("ollama_url"))
	if err != nil {
		return err
	}
	return cli.ListModels(cmd.Context(), client, cmd.OutOrStdout(), cli.ListOptions{
		Required:   configuredModels(cmd),
		BinaryName: "branchwise",
	})
}
