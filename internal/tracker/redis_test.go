package tracker

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// openRedisStore connects to the server in FORUMSPY_REDIS_ADDR and returns a
// store on a throwaway key.
func openRedisStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	addr := os.Getenv("FORUMSPY_REDIS_ADDR")
	if addr == "" {
		t.Skip("FORUMSPY_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	key := "forumspy:test:" + uuid.NewString()
	st := NewRedisStore(client, key)
	t.Cleanup(func() {
		client.Del(context.Background(), key, key+":seq", key+":meta")
		_ = st.Close()
	})
	return st, client
}

func TestRedisStore_Contract(t *testing.T) {
	st, _ := openRedisStore(t)
	testStoreContract(t, st)
}

func TestRedisStore_WrongTypeIsCorrupt(t *testing.T) {
	st, client := openRedisStore(t)
	ctx := context.Background()
	require.NoError(t, client.Set(ctx, st.key, "garbage", 0).Err())

	_, err := st.Load(ctx)
	require.True(t, errors.Is(err, ErrCorruptStore), "load error: %v", err)

	tr := loaded(t, st, Options{})
	require.True(t, tr.IsNew("post1"))
	require.NoError(t, tr.MarkDelivered(ctx, "post1"))

	ids, err := st.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"post1"}, ids)
}
