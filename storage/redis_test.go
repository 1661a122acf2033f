package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (Redis, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	r, err := NewRedis(RedisConfig{Address: s.Addr()})
	require.NoError(t, err)
	return r, s
}

func TestMGetAlignsWithKeys(t *testing.T) {
	r, _ := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, MSet(ctx, r, map[string]interface{}{"a": "1", "c": "3"}, time.Minute))
	vals := MGet(ctx, r, []string{"a", "b", "c"})
	require.Len(t, vals, 3)
	assert.Equal(t, "1", string(vals[0]))
	assert.Nil(t, vals[1])
	assert.Equal(t, "3", string(vals[2]))
}

func TestMSetNX(t *testing.T) {
	r, s := newTestRedis(t)
	ctx := context.Background()
	require.NoError(t, s.Set("busy", "1"))

	got, err := MSetNX(ctx, r, []string{"busy", "free"}, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, got["busy"])
	assert.True(t, got["free"])

	require.NoError(t, MDel(ctx, r, "free"))
	assert.False(t, s.Exists("free"))
}

func TestNewRedisIllegalType(t *testing.T) {
	_, err := NewRedis(RedisConfig{RedisType: "unknown"})
	assert.Error(t, err)
}
