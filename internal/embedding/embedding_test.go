package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embeddings", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		vec := make([]float32, 1024)
		for i := range vec {
			vec[i] = float32(i) * 0.001
		}
		require.NoError(t, json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec}))
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "test-model", 1024)

	t.Run("dimensions", func(t *testing.T) {
		assert.Equal(t, 1024, p.Dimensions())
	})

	t.Run("embed single", func(t *testing.T) {
		vec, err := p.Embed(context.Background(), "test text")
		require.NoError(t, err)
		slice := vec.Slice()
		require.Len(t, slice, 1024)
		assert.InDelta(t, 0.1, slice[100], 1e-6)
	})

	t.Run("embed batch", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
		require.NoError(t, err)
		require.Len(t, vecs, 3)
		for _, vec := range vecs {
			assert.Len(t, vec.Slice(), 1024)
		}
	})

	t.Run("embed batch empty", func(t *testing.T) {
		vecs, err := p.EmbedBatch(context.Background(), nil)
		require.NoError(t, err)
		assert.Nil(t, vecs)
	})
}

func TestOllamaProviderErrors(t *testing.T) {
	t.Run("server error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "internal error", http.StatusInternalServerError)
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := p.Embed(context.Background(), "test")
		assert.Error(t, err)
	})

	t.Run("empty embedding", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: nil})
		}))
		defer server.Close()

		p := NewOllamaProvider(server.URL, "test-model", 1024)
		_, err := p.Embed(context.Background(), "test")
		assert.Error(t, err)
	})
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(8)
	assert.Equal(t, 8, p.Dimensions())

	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 8), vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
}

func TestOpenAIProviderOrdersByIndex(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reply out of order to exercise the index-based reorder.
		_, _ = w.Write([]byte(`{"data":[{"embedding":[2],"index":1},{"embedding":[1],"index":0}]}`))
		_ = r
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("key", "test-model", 1)
	require.NoError(t, err)
	p.httpClient = server.Client()
	p.endpoint = server.URL

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1}, vecs[0].Slice())
	assert.Equal(t, []float32{2}, vecs[1].Slice())
}
