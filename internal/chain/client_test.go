package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEpochFormats(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		epoch uint64
		ok    bool
	}{
		{"status erd_epoch", `{"data": {"status": {"erd_epoch": 142}}}`, 142, true},
		{"status erd_epoch_number", `{"data": {"status": {"erd_epoch_number": 7}}}`, 7, true},
		{"status plain epoch", `{"data": {"status": {"epoch": 9}}}`, 9, true},
		{"metrics fallback", `{"data": {"metrics": {"erd_epoch": 55}}}`, 55, true},
		{"string number", `{"data": {"status": {"erd_epoch": "142"}}}`, 142, true},
		{"empty", `{"data": {}}`, 0, false},
		{"garbage", `nope`, 0, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			epoch, ok := parseEpoch([]byte(tc.body))
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.epoch, epoch)
			}
		})
	}
}

func TestCurrentEpochFallsBackToSecondPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Первый путь недоступен на старых прокси
		if r.URL.Path == "/network/status/4294967295" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, `{"data": {"status": {"erd_epoch": 88}}}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "C", "/tmp/op.pem", 5*time.Second)
	epoch, err := c.CurrentEpoch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(88), epoch)
}

func TestThrottledQueryReturnsThrottleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "C", "/tmp/op.pem", 5*time.Second)
	_, err := c.CurrentEpoch(context.Background())
	require.Error(t, err)

	var throttle *ThrottleError
	require.True(t, errors.As(err, &throttle))
	assert.Equal(t, 30*time.Second, throttle.RetryAfter)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, 5*time.Second, parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("soon"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("-1"))
}
