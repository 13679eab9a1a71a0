package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("RFC3339 timestamp", func(t *testing.T) {
		ms, err := Parse("2026-08-29T13:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 29, 13, 0, 0, 0, time.UTC).UnixMilli(), ms)
	})

	t.Run("relative duration", func(t *testing.T) {
		before := time.Now().Add(-time.Hour).UnixMilli()
		ms, err := Parse("1h")
		require.NoError(t, err)
		after := time.Now().Add(-time.Hour).UnixMilli()
		assert.GreaterOrEqual(t, ms, before)
		assert.LessOrEqual(t, ms, after)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := Parse("next tuesday")
		assert.Error(t, err)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := Parse("")
		assert.Error(t, err)
	})
}

func TestParseValidity(t *testing.T) {
	t.Run("never returns zero time", func(t *testing.T) {
		expiry, err := ParseValidity("never")
		require.NoError(t, err)
		assert.True(t, expiry.IsZero())
	})

	t.Run("duration is relative to now", func(t *testing.T) {
		expiry, err := ParseValidity("8760h")
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(8760*time.Hour), expiry, time.Minute)
	})

	t.Run("rejects negative duration", func(t *testing.T) {
		_, err := ParseValidity("-1h")
		assert.Error(t, err)
	})
}

func TestParseBytes(t *testing.T) {
	cases := []struct {
		spec string
		want int64
	}{
		{"500", 500},
		{"10K", 10 * 1024},
		{"2M", 2 * 1024 * 1024},
		{"1G", 1024 * 1024 * 1024},
	}
	for _, tc := range cases {
		got, err := ParseBytes(tc.spec)
		require.NoError(t, err, tc.spec)
		assert.Equal(t, tc.want, got, tc.spec)
	}

	_, err := ParseBytes("lots")
	assert.Error(t, err)
	_, err = ParseBytes("-5M")
	assert.Error(t, err)
}
