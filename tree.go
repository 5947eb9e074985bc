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

package branchwise

import (
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic/encoder"
	"github.com/charmbracelet/lipgloss"
	"github.com/dovinmu/branchwise/lib/tokenizer"
)

// TreeFormat selects how the conversation tree is printed.
type TreeFormat string

const (
	TreeFormatText TreeFormat = "text"
	TreeFormatJSON TreeFormat = "json"
	TreeFormatNone TreeFormat = "none"
)

// ParseTreeFormat validates a format name. An empty name selects text.
func ParseTreeFormat(s string) (TreeFormat, error) {
	switch f := TreeFormat(strings.ToLower(s)); f {
	case "":
		return TreeFormatText, nil
	case TreeFormatText, TreeFormatJSON, TreeFormatNone:
		return f, nil
	default:
		return "", fmt.Errorf("unknown tree format %q", s)
	}
}

var (
	treeTitleStyle   = lipgloss.NewStyle().Bold(true)
	treeCurrentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	treeBranchStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	treeDimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// TreeRenderer prints conversation trees.
type TreeRenderer struct {
	format  TreeFormat
	counter tokenizer.Tokenizer
}

// NewTreeRenderer creates a renderer. counter may be nil, in which case
// token counts are omitted.
func NewTreeRenderer(format TreeFormat, counter tokenizer.Tokenizer) *TreeRenderer {
	return &TreeRenderer{format: format, counter: counter}
}

type treeBranchJSON struct {
	TreeBranch
	Tokens int `json:"tokens,omitempty"`
}

// Render writes tree to w.
func (r *TreeRenderer) Render(w io.Writer, tree []TreeBranch) error {
	switch r.format {
	case TreeFormatNone:
		return nil
	case TreeFormatJSON:
		out := make([]treeBranchJSON, len(tree))
		for i, b := range tree {
			out[i] = treeBranchJSON{TreeBranch: b, Tokens: r.tokens(b)}
		}
		return encoder.NewStreamEncoder(w).Encode(out)
	default:
		return r.renderText(w, tree)
	}
}

func (r *TreeRenderer) renderText(w io.Writer, tree []TreeBranch) error {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(treeTitleStyle.Render("Conversation Tree:"))
	sb.WriteString("\n")

	for _, b := range tree {
		name := treeBranchStyle.Render(b.Name)
		marker := "  "
		if b.Current {
			name = treeCurrentStyle.Render(b.Name)
			marker = "* "
		}
		detail := fmt.Sprintf("%d turns", len(b.Turns))
		if r.counter != nil {
			detail += fmt.Sprintf(", %d tokens", r.tokens(b))
		}
		fmt.Fprintf(&sb, " %s%s: %s\n", marker, name, treeDimStyle.Render(detail))
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

func (r *TreeRenderer) tokens(b TreeBranch) int {
	if r.counter == nil {
		return 0
	}
	n := 0
	for _, t := range b.Turns {
		n += r.counter.CountTokens(t.Request) + r.counter.CountTokens(t.Response)
	}
	return n
}
