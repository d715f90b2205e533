package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]string{"response": "The JVM ran out of heap."})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "test-model")
	out, err := o.Summarize(context.Background(), "java.lang.OutOfMemoryError")
	require.NoError(t, err)
	assert.Equal(t, "The JVM ran out of heap.", out)
	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	assert.Contains(t, got.Prompt, "OutOfMemoryError")
}

func TestSummarizeTruncatesLongLogs(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{"response": "ok"})
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "")
	logs := strings.Repeat("x", 5000) + "TAIL_MARKER"
	_, err := o.Summarize(context.Background(), logs)
	require.NoError(t, err)
	assert.Contains(t, got.Prompt, "TAIL_MARKER", "the tail of the log must survive truncation")
	assert.Less(t, len(got.Prompt), 2500)
}

func TestSummarizeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "")
	_, err := o.Summarize(context.Background(), "boom")
	assert.Error(t, err)
}

func TestSummarizeUnconfigured(t *testing.T) {
	o := NewOllama("", "")
	_, err := o.Summarize(context.Background(), "boom")
	assert.Error(t, err)
}
