package helper

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JMMolenaar/Fab-CIC-manager/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := NewRedisClient(&config.RedisConf{Addr: mr.Addr()}, nil)
	defer cli.Close()
	require.NoError(t, cli.Ping(context.Background()).Err())
}

func TestParseInfo(t *testing.T) {
	info := parseInfo("# Persistence\r\naof_enabled:1\r\nloading:0\r\n\r\n# Memory\r\nmaxmemory_policy:noeviction\r\n")
	assert.Equal(t, "1", info["aof_enabled"])
	assert.Equal(t, "noeviction", info["maxmemory_policy"])
	assert.Len(t, info, 3)
}

func TestValidateRedisConfig(t *testing.T) {
	if CONF == nil {
		t.Skip("FABJOBS_INTEGRATION is not set")
	}
	ctx := context.Background()
	redisConf := CONF.Redis
	redisCli := NewRedisClient(&redisConf, nil)
	defer redisCli.Close()

	_, err := redisCli.ConfigSet(ctx, "appendonly", "no").Result()
	require.Nil(t, err)
	err = ValidateRedisConfig(ctx, &redisConf)
	assert.True(t, errors.Is(err, ErrNotDurable))

	_, err = redisCli.ConfigSet(ctx, "appendonly", "yes").Result()
	require.Nil(t, err)
	_, err = redisCli.ConfigSet(ctx, "maxmemory-policy", "allkeys-lru").Result()
	require.Nil(t, err)
	assert.NotNil(t, ValidateRedisConfig(ctx, &redisConf))

	_, err = redisCli.ConfigSet(ctx, "maxmemory-policy", "noeviction").Result()
	require.Nil(t, err)
	assert.Nil(t, ValidateRedisConfig(ctx, &redisConf))
}
