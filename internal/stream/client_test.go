package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeSuccessExtractsStreamEnd(t *testing.T) {
	end := time.Now().Add(time.Hour).UnixMilli()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

		// Подпись уходит без префикса 0x
		assert.Equal(t, "abcdef", payload["signature"])
		assert.Equal(t, "stream", payload["message"])
		assert.Equal(t, "claw1alpha", payload["address"])

		fmt.Fprintf(w, `{"end_stream": %d}`, end)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second)
	result, err := c.Probe(context.Background(), "claw1alpha", "0xabcdef")
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, "ok", result.Reason)
	require.NotNil(t, result.StreamEnd)
	assert.Equal(t, time.UnixMilli(end).UTC(), *result.StreamEnd)
}

func TestProbeAlreadyStreaming(t *testing.T) {
	again := time.Now().Add(30 * time.Minute).UnixMilli()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprintf(w, `{"error": "Already streaming", "can_stream_again_at": %d}`, again)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second)
	result, err := c.Probe(context.Background(), "claw1alpha", "sig")
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, "already_streaming", result.Reason)
	require.NotNil(t, result.StreamEnd)
	assert.Equal(t, time.UnixMilli(again).UTC(), *result.StreamEnd)
}

func TestProbeHTTPErrorIsResultNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, 5*time.Second)
	result, err := c.Probe(context.Background(), "claw1alpha", "sig")
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.Equal(t, "error", result.Reason)
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
	assert.Nil(t, result.StreamEnd)
}

func TestProbeTransportError(t *testing.T) {
	c := NewHTTPClient("http://127.0.0.1:1", 500*time.Millisecond)
	result, err := c.Probe(context.Background(), "claw1alpha", "sig")

	require.Error(t, err)
	assert.Equal(t, "error", result.Reason)
}

func TestNormalizeSignature(t *testing.T) {
	assert.Equal(t, "abc123", NormalizeSignature("0xabc123"))
	assert.Equal(t, "abc123", NormalizeSignature("  abc123 "))
	assert.Equal(t, "", NormalizeSignature(""))
}

func TestExtractStreamEndGarbage(t *testing.T) {
	assert.Nil(t, extractStreamEnd([]byte("not json")))
	assert.Nil(t, extractStreamEnd([]byte(`{"end_stream": 0}`)))
	assert.Nil(t, extractStreamEnd([]byte(`{}`)))
}
