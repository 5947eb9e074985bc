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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/antflydb/antfly-go/libaf/healthserver"
	"github.com/antflydb/antfly-go/libaf/logging"
	"github.com/charmbracelet/lipgloss"
	"github.com/dovinmu/branchwise"
	"github.com/dovinmu/branchwise/lib/tokenizer"
	"github.com/ollama/ollama/readline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/term"
)

const userPrompt = "Your Prompt: "

var (
	decisionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	replyStyle    = lipgloss.NewStyle().Bold(true)
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive branching conversation",
	Long: `Start an interactive session. Each prompt either continues the current
branch from its cached context or starts a new branch. Type 'exit' to quit.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.RunE = runChat

	defaults := branchwise.DefaultConfig()
	chatCmd.Flags().String("model", defaults.Model, "Ollama model used for responses")
	chatCmd.Flags().String("embed-model", defaults.EmbedModel, "Ollama model used for similarity scoring")
	chatCmd.Flags().Int("max-new-tokens", defaults.MaxNewTokens, "maximum tokens generated per response")
	chatCmd.Flags().Int("top-logprobs", defaults.TopLogprobs, "candidate tokens scored per warm decoding step")
	chatCmd.Flags().Uint64("seed", 0, "sampling seed (0 for random)")
	chatCmd.Flags().String("ner-model", "", "token classification model directory for entity recognition (empty uses the lexicon)")
	chatCmd.Flags().String("pos-model", "", "token classification model directory for part-of-speech tags")
	chatCmd.Flags().String("tree", string(branchwise.TreeFormatText), "conversation tree output after each turn (text, json, none)")
	chatCmd.Flags().Int("health-port", 4200, "health/metrics server port (0 disables)")

	mustBindPFlag("model", chatCmd.Flags().Lookup("model"))
	mustBindPFlag("embed_model", chatCmd.Flags().Lookup("embed-model"))
	mustBindPFlag("max_new_tokens", chatCmd.Flags().Lookup("max-new-tokens"))
	mustBindPFlag("top_logprobs", chatCmd.Flags().Lookup("top-logprobs"))
	mustBindPFlag("seed", chatCmd.Flags().Lookup("seed"))
	mustBindPFlag("ner_model", chatCmd.Flags().Lookup("ner-model"))
	mustBindPFlag("pos_model", chatCmd.Flags().Lookup("pos-model"))
	mustBindPFlag("tree", chatCmd.Flags().Lookup("tree"))
	mustBindPFlag("health_port", chatCmd.Flags().Lookup("health-port"))
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	defer func() {
		_ = logger.Sync()
	}()

	format, err := branchwise.ParseTreeFormat(viper.GetString("tree"))
	if err != nil {
		return err
	}

	cfg := branchwise.Config{
		OllamaURL:    viper.GetString("ollama_url"),
		Model:        viper.GetString("model"),
		EmbedModel:   viper.GetString("embed_model"),
		MaxNewTokens: viper.GetInt("max_new_tokens"),
		TopLogprobs:  viper.GetInt("top_logprobs"),
		Seed:         viper.GetUint64("seed"),
		NERModel:     viper.GetString("ner_model"),
		POSModel:     viper.GetString("pos_model"),
	}

	ready := &atomic.Bool{}
	if port := viper.GetInt("health_port"); port > 0 {
		healthserver.Start(logger, port, ready.Load)
	}

	app, err := branchwise.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer app.Close()
	ready.Store(true)

	var counter tokenizer.Tokenizer
	if bpe, err := tokenizer.NewBPETokenizer(""); err != nil {
		logger.Warn("Token counts disabled", zap.Error(err))
	} else {
		counter = bpe
	}
	renderer := branchwise.NewTreeRenderer(format, counter)

	reader, err := newLineReader(os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nBranchwise %s\n", Version)
	fmt.Fprintf(out, "Model: %s\n", cfg.Model)
	fmt.Fprintln(out, "Type 'exit' to end session.")
	fmt.Fprintln(out)

	for {
		line, err := reader.Readline()
		switch {
		case errors.Is(err, io.EOF):
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Session ended.")
			return nil
		case errors.Is(err, readline.ErrInterrupt):
			if line == "" {
				fmt.Fprintln(out, "\nUse Ctrl + d or 'exit' to quit.")
			}
			continue
		case err != nil:
			return err
		}

		request := strings.TrimSpace(line)
		if request == "" {
			continue
		}

		reply, err := app.Session.Handle(ctx, request)
		if errors.Is(err, branchwise.ErrSessionEnded) {
			fmt.Fprintln(out, "Session ended.")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Request failed", zap.Error(err))
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
			continue
		}

		fmt.Fprintln(out, decisionStyle.Render(describeDecision(reply)))
		fmt.Fprintf(out, "%s %s\n", replyStyle.Render("> LLM:"), reply.Text)
		if err := renderer.Render(out, app.Session.Tree()); err != nil {
			logger.Warn("Failed to render conversation tree", zap.Error(err))
		}
		fmt.Fprintln(out)
	}
}

func describeDecision(r *branchwise.Reply) string {
	switch r.Decision {
	case branchwise.DecisionContinue:
		return fmt.Sprintf("> Continuing branch: %s (score %.2f, %s)", r.Branch, r.Score, r.Tier)
	case branchwise.DecisionNew:
		return fmt.Sprintf("> Starting new branch: %s (score %.2f, %s)", r.Branch, r.Score, r.Tier)
	default:
		return fmt.Sprintf("> Starting new branch: %s", r.Branch)
	}
}

type lineReader interface {
	Readline() (string, error)
}

// newLineReader uses the interactive line editor on a terminal and a plain
// scanner for piped input.
func newLineReader(in *os.File, out io.Writer) (lineReader, error) {
	if term.IsTerminal(int(in.Fd())) {
		return readline.New(readline.Prompt{
			Prompt:      userPrompt,
			Placeholder: "Ask anything (exit to quit)",
		})
	}
	return &scanReader{scanner: bufio.NewScanner(in), out: out}, nil
}

type scanReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (r *scanReader) Readline() (string, error) {
	fmt.Fprint(r.out, userPrompt)
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return r.scanner.Text(), nil
}
