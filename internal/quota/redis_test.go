package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDay(t *testing.T) {
	ts := time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC)

	assert.Equal(t, "2026-03-01", Day(ts, nil))

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02", Day(ts, tokyo))
}

func TestToInt(t *testing.T) {
	assert.Equal(t, 0, toInt(nil))
	assert.Equal(t, 12, toInt("12"))
	assert.Equal(t, 0, toInt("1x"))
}

func TestRedisCounter_Integration(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("skipping integration test: REDIS_URL not set")
	}
	ctx := context.Background()
	c, err := Open(ctx, url)
	require.NoError(t, err)
	defer c.Close()

	day := "test-" + time.Now().Format("150405.000000")
	require.NoError(t, c.Reset(ctx, day, "a@example.com"))

	n, err := c.Increment(ctx, day, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.Increment(ctx, day, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := c.Counts(ctx, day, []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a@example.com": 2, "b@example.com": 0}, counts)

	require.NoError(t, c.Reset(ctx, day, "a@example.com"))
	counts, err = c.Counts(ctx, day, []string{"a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, 0, counts["a@example.com"])
}
