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

// Package cli provides model management helpers for the branchwise binary.
package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/ollama/ollama/api"
	"github.com/ollama/ollama/format"
	"github.com/ollama/ollama/progress"
)

// Lister lists models available on an Ollama server.
type Lister interface {
	List(ctx context.Context) (*api.ListResponse, error)
}

// Puller downloads models to an Ollama server.
type Puller interface {
	Pull(ctx context.Context, req *api.PullRequest, fn api.PullProgressFunc) error
}

// ListOptions contains options for listing models
type ListOptions struct {
	// Required marks models the session needs; missing ones are reported.
	Required []string
	// BinaryName is used in help messages.
	BinaryName string
}

// ListModels prints the models known to the server.
func ListModels(ctx context.Context, client Lister, w io.Writer, opts ListOptions) error {
	resp, err := client.List(ctx)
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 4, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tSIZE\tMODIFIED")
	present := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		present = append(present, m.Name)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			m.Name, shortDigest(m.Digest), format.HumanBytes(m.Size), format.HumanTime(m.ModifiedAt, "Never"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	missing := MissingModels(present, opts.Required)
	if len(missing) > 0 {
		name := opts.BinaryName
		if name == "" {
			name = "branchwise"
		}
		fmt.Fprintf(w, "\nMissing: %s\nRun '%s pull' to download them.\n", strings.Join(missing, ", "), name)
	}
	return nil
}

// MissingModels returns the required names not found in present. A name
// without a tag matches ":latest".
func MissingModels(present, required []string) []string {
	var missing []string
	for _, r := range required {
		if r == "" {
			continue
		}
		if !slices.ContainsFunc(present, func(p string) bool { return sameModel(p, r) }) &&
			!slices.Contains(missing, r) {
			missing = append(missing, r)
		}
	}
	return missing
}

func sameModel(a, b string) bool {
	return withTag(a) == withTag(b)
}

func withTag(name string) string {
	if strings.Contains(name, ":") {
		return name
	}
	return name + ":latest"
}

func shortDigest(d string) string {
	d = strings.TrimPrefix(d, "sha256:")
	return d[:min(12, len(d))]
}

// PullModels downloads each model in turn, drawing progress on w.
func PullModels(ctx context.Context, client Puller, w io.Writer, names []string) error {
	for _, name := range names {
		if err := pullModel(ctx, client, w, name); err != nil {
			return fmt.Errorf("pulling %s: %w", name, err)
		}
	}
	return nil
}

func pullModel(ctx context.Context, client Puller, w io.Writer, name string) error {
	p := progress.NewProgress(w)
	defer p.Stop()

	bars := make(map[string]*progress.Bar)
	var status string
	var spinner *progress.Spinner

	fn := func(resp api.ProgressResponse) error {
		if resp.Digest != "" {
			if resp.Completed == 0 {
				return nil
			}
			if spinner != nil {
				spinner.Stop()
			}
			bar, ok := bars[resp.Digest]
			if !ok {
				bar = progress.NewBar(fmt.Sprintf("pulling %s:", shortDigest(resp.Digest)), resp.Total, resp.Completed)
				bars[resp.Digest] = bar
				p.Add(resp.Digest, bar)
			}
			bar.Set(resp.Completed)
		} else if status != resp.Status {
			if spinner != nil {
				spinner.Stop()
			}
			status = resp.Status
			spinner = progress.NewSpinner(status)
			p.Add(status, spinner)
		}
		return nil
	}

	if err := client.Pull(ctx, &api.PullRequest{Model: name}, fn); err != nil {
		return err
	}
	if spinner != nil {
		spinner.Stop()
	}
	return nil
}
