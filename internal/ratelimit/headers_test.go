package ratelimit

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResetFromHeaders(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	reset, ok := resetFromHeaders(map[string]string{"RateLimit-Reset": "120"}, now)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Minute), reset)

	// A large value is absolute epoch seconds.
	epoch := now.Add(5 * time.Minute).Unix()
	reset, ok = resetFromHeaders(map[string]string{"X-RateLimit-Reset": strconv.FormatInt(epoch, 10)}, now)
	require.True(t, ok)
	assert.Equal(t, time.Unix(epoch, 0).UTC(), reset)

	_, ok = resetFromHeaders(map[string]string{"Content-Type": "application/json"}, now)
	assert.False(t, ok)
}
