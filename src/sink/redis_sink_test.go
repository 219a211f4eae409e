package sink

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/evbridge/circulator/src/record"
)

func TestRedisListSinkPut(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisListSink(client, "test:target")

	recs := []*record.ConnectRecord{
		record.NewConnectRecord("r1", "k1", []byte("v1")),
		record.NewConnectRecord("r1", "k2", []byte("v2")),
	}

	require.NoError(t, s.Put(context.Background(), recs))

	length, err := client.LLen(context.Background(), "test:target:r1").Result()
	require.NoError(t, err)
	require.EqualValues(t, 2, length)
}

func TestRedisListSinkEmptyBatch(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisListSink(client, "")
	require.NoError(t, s.Put(context.Background(), nil))
}
