package redis

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Every state transition of a job is one of the scripts below, so a crash
// between two redis calls can never leave a job half moved. The current
// time is always passed in by the caller.

const (
	// KEYS: body, ready, timer, unique, checkpoint
	// ARGV: id, payload, readyAt, hasUnique, jobPrefix, checkpointField, checkpointValue
	luaEnqueue = `
local field = ARGV[6]
if field ~= "" then
	local current = tonumber(redis.call("HGET", KEYS[5], field) or "0")
	if tonumber(ARGV[7]) > current then
		redis.call("HSET", KEYS[5], field, ARGV[7])
	end
end
if ARGV[4] == "1" then
	local existing = redis.call("GET", KEYS[4])
	if existing and redis.call("EXISTS", ARGV[5] .. existing) == 1 then
		return {existing, 0}
	end
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
else
	redis.call("LPUSH", KEYS[2], ARGV[1])
end
if ARGV[4] == "1" then
	redis.call("SET", KEYS[4], ARGV[1])
end
return {ARGV[1], 1}
`

	// KEYS: leases, leaseExpiry, ready queues in priority order...
	// ARGV: jobPrefix, token, expiry
	luaDequeue = `
for i = 3, #KEYS do
	while true do
		local id = redis.call("RPOP", KEYS[i])
		if not id then
			break
		end
		local body = redis.call("GET", ARGV[1] .. id)
		if body then
			redis.call("HSET", KEYS[1], id, ARGV[2])
			redis.call("ZADD", KEYS[2], ARGV[3], id)
			return {id, body, KEYS[i]}
		end
		-- the job was deleted while waiting, drop the dangling id
	end
end
return false
`

	// KEYS: body, leases, leaseExpiry, ready, timer, deadLetter, deadLetterIndex, unique
	// ARGV: id, token, now, expect(live|expired), route(ack|ready|delay|dead), payload, readyAt, hasUnique
	luaSettle = `
local id = ARGV[1]
if redis.call("HGET", KEYS[2], id) ~= ARGV[2] then
	return 0
end
local expiry = tonumber(redis.call("ZSCORE", KEYS[3], id) or "0")
local now = tonumber(ARGV[3])
if ARGV[4] == "live" and expiry < now then
	return 0
end
if ARGV[4] == "expired" and expiry >= now then
	return 0
end
redis.call("HDEL", KEYS[2], id)
redis.call("ZREM", KEYS[3], id)
local route = ARGV[5]
if route == "ack" or route == "dead" then
	redis.call("DEL", KEYS[1])
	if ARGV[8] == "1" and redis.call("GET", KEYS[8]) == id then
		redis.call("DEL", KEYS[8])
	end
	if route == "dead" then
		redis.call("HSET", KEYS[6], id, ARGV[6])
		redis.call("ZADD", KEYS[7], now, id)
	end
elseif route == "ready" then
	redis.call("SET", KEYS[1], ARGV[6])
	redis.call("LPUSH", KEYS[4], id)
else
	redis.call("SET", KEYS[1], ARGV[6])
	redis.call("ZADD", KEYS[5], ARGV[7], id)
end
return 1
`

	// KEYS: timer, ready
	// ARGV: now, limit, jobPrefix
	luaPump = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call("ZREM", KEYS[1], id)
	if redis.call("EXISTS", ARGV[3] .. id) == 1 then
		redis.call("LPUSH", KEYS[2], id)
	end
end
return #ids
`

	// KEYS: deadLetter, deadLetterIndex, body, ready, unique
	// ARGV: id, payload, hasUnique
	luaRespawn = `
if redis.call("HDEL", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[2])
redis.call("LPUSH", KEYS[4], ARGV[1])
if ARGV[3] == "1" then
	redis.call("SET", KEYS[5], ARGV[1], "NX")
end
return 1
`

	// KEYS: deadLetter, deadLetterIndex
	// ARGV: cutoff, limit
	luaTrim = `
local ids = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
for _, id in ipairs(ids) do
	redis.call("HDEL", KEYS[1], id)
	redis.call("ZREM", KEYS[2], id)
end
return #ids
`
)

var (
	enqueueScript = redis.NewScript(luaEnqueue)
	dequeueScript = redis.NewScript(luaDequeue)
	settleScript  = redis.NewScript(luaSettle)
	pumpScript    = redis.NewScript(luaPump)
	respawnScript = redis.NewScript(luaRespawn)
	trimScript    = redis.NewScript(luaTrim)
)

// preloadScripts loads the scripts once so the first call of each does not
// have to fall back from EVALSHA to EVAL.
func preloadScripts(ctx context.Context, conn *redis.Client) error {
	for _, script := range []*redis.Script{enqueueScript, dequeueScript, settleScript, pumpScript, respawnScript, trimScript} {
		if err := script.Load(ctx, conn).Err(); err != nil {
			return fmt.Errorf("failed to preload lua script: %s", err)
		}
	}
	return nil
}
