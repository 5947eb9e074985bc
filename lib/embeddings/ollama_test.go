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

package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newEmbedServer(t *testing.T, calls *int) *api.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		*calls++

		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := api.EmbedResponse{Model: req.Model}
		for _, in := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(len(in)), 1})
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return api.NewClient(base, srv.Client())
}

func TestOllamaEmbedder_Batches(t *testing.T) {
	calls := 0
	e := NewOllamaEmbedder(newEmbedServer(t, &calls), OllamaEmbedderConfig{Model: "all-minilm", BatchSize: 2}, zaptest.NewLogger(t))

	vecs, err := NewTextEmbedder(e).Embed(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, [][]float32{{1, 1}, {2, 1}, {3, 1}}, vecs)
}

func TestOllamaEmbedder_Canceled(t *testing.T) {
	calls := 0
	e := NewOllamaEmbedder(newEmbedServer(t, &calls), OllamaEmbedderConfig{Model: "m"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTextEmbedder(e).Embed(ctx, []string{"a"})
	assert.Error(t, err)
	assert.Zero(t, calls)
}
