package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisEpoch_UnreachableServer(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	e := NewRedisEpoch(client, "")
	require.Equal(t, defaultEpochKey, e.key)

	_, err := e.Current(context.Background())
	require.Error(t, err)
	require.Error(t, e.Bump(context.Background()))
}
