package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AgentStatus
		allowed  bool
	}{
		{StatusEnrolled, StatusPaused, true},
		{StatusEnrolled, StatusRemoved, true},
		{StatusPaused, StatusEnrolled, true},
		{StatusPaused, StatusRemoved, true},
		{StatusEnrolled, StatusEnrolled, false},
		// removed — терминальный
		{StatusRemoved, StatusEnrolled, false},
		{StatusRemoved, StatusPaused, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusEnrolled.Valid())
	assert.True(t, StatusPaused.Valid())
	assert.True(t, StatusRemoved.Valid())
	assert.False(t, AgentStatus("banana").Valid())
}

func TestValidAddress(t *testing.T) {
	assert.True(t, ValidAddress("claw1qx7zj9v"))
	assert.False(t, ValidAddress("erd1qx7zj9v"))
	assert.False(t, ValidAddress("claw1"))
	assert.False(t, ValidAddress("claw1QX7"))
	assert.False(t, ValidAddress(""))
}

func TestHealthyThreshold(t *testing.T) {
	a := Agent{ConsecutiveFailures: 4}
	assert.True(t, a.Healthy(5))
	assert.False(t, a.Healthy(4))
	// Нулевой порог отключает флаг
	assert.True(t, a.Healthy(0))
}

func TestSecretNeverSerialized(t *testing.T) {
	a := Agent{Address: "claw1alpha", Secret: "super-secret-signature"}

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-signature")
}
