package session

import (
	"context"
	"os"
	"testing"
	"time"

	"castbot/internal/broadcast"
	logx "castbot/pkg/logx"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set CASTBOT_TEST_REDIS=host:port to run against a live server.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("CASTBOT_TEST_REDIS")
	if addr == "" {
		t.Skip("CASTBOT_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	prefix := "castbot:test:" + time.Now().Format("150405.000000") + ":"
	st := NewRedisStoreWithClient(client, prefix, time.Minute)
	require.NoError(t, st.Ping(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRedisStoreRoundTrip(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()

	in := Session{
		Operator:  42,
		Phase:     ReadyToConfirm,
		Draft:     &broadcast.Draft{Body: "hi", Buttons: []broadcast.ButtonSpec{{Label: "a", URL: "https://a.example"}}},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, st.Save(ctx, in))

	out, ok, err := st.Load(ctx, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.Phase, out.Phase)
	assert.Equal(t, in.Draft.Buttons, out.Draft.Buttons)

	all, err := st.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, st.Delete(ctx, 42))
	_, ok, err = st.Load(ctx, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreDrivesMachine(t *testing.T) {
	st := newTestRedisStore(t)
	ctx := context.Background()
	m := NewMachine(st, logx.Nop())

	_, err := m.Open(ctx, 7)
	require.NoError(t, err)
	_, err = m.SetBody(ctx, 7, "persisted", nil)
	require.NoError(t, err)

	// a new machine over the same store sees the draft
	m2 := NewMachine(st, logx.Nop())
	s, err := m2.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, ReadyToConfirm, s.Phase)
	assert.Equal(t, "persisted", s.Draft.Body)
}
