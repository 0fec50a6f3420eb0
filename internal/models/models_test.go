package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheEntryExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	forever := NewCacheEntry("bin:A1", []byte("{}"), now, 0, nil)
	assert.Nil(t, forever.ExpiresAt)
	assert.False(t, forever.IsExpired(now.Add(24*365*time.Hour)))
	assert.True(t, forever.Deadline().IsZero())

	short := NewCacheEntry("bin:A2", []byte("{}"), now, time.Minute, map[string]string{"zone": "cold"})
	require.NotNil(t, short.ExpiresAt)
	assert.False(t, short.IsExpired(now.Add(59*time.Second)))
	assert.True(t, short.IsExpired(now.Add(time.Minute)))
	assert.Equal(t, SchemaVersion, short.SchemaVersion)
	assert.Equal(t, "cold", short.Tags["zone"])
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		in   string
		want Priority
		err  bool
	}{
		{in: "high", want: PriorityHigh},
		{in: " Low ", want: PriorityLow},
		{in: "", want: PriorityMedium},
		{in: "urgent", err: true},
	}

	for _, tc := range testCases {
		got, err := ParsePriority(tc.in)
		if tc.err {
			require.ErrorIs(t, err, ErrInvalidPriority)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestParseOperation(t *testing.T) {
	t.Parallel()

	op, err := ParseOperation("UPDATE")
	require.NoError(t, err)
	assert.Equal(t, OperationUpdate, op)

	_, err = ParseOperation("upsert")
	require.ErrorIs(t, err, ErrInvalidOperation)
	assert.False(t, Priority(7).Valid())
	assert.Equal(t, "priority(7)", Priority(7).String())
}
