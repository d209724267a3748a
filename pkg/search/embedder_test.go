package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pml-dev/gateway/pkg/models"
)

func TestHTTPEmbedderRoundTrip(t *testing.T) {
	var gotAuth string
	var gotReq embedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "text-embedding-3-small", WithAPIKey("sk-test"))
	vec, err := e.Embed(context.Background(), "read a file")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, embedRequest{Model: "text-embedding-3-small", Input: []string{"read a file"}}, gotReq)
}

func TestHTTPEmbedderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "m")
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindUnavailableService))
	assert.Contains(t, err.Error(), "503")
}

func TestHTTPEmbedderEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(srv.URL, "m")
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindUnavailableService))
}
