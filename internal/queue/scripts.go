package queue

import "github.com/redis/go-redis/v9"

// Scripts that act on a single job take KEYS = {job hash, leases, delayed,
// expiry} and ARGV = {id, worker, now, ...}.
const heldLua = `
local function held(statuses)
  if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
  if redis.call('HGET', KEYS[1], 'claimed_by') ~= ARGV[2] then return -1 end
  local st = redis.call('HGET', KEYS[1], 'status')
  for _, s in ipairs(statuses) do
    if st == s then return 1 end
  end
  return -1
end
`

var startScript = redis.NewScript(heldLua + `
local ok = held({'claimed'})
if ok ~= 1 then return ok end
redis.call('HSET', KEYS[1], 'status', 'running', 'started_at', ARGV[3], 'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var heartbeatScript = redis.NewScript(heldLua + `
local ok = held({'claimed', 'running'})
if ok ~= 1 then return ok end
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var completeScript = redis.NewScript(heldLua + `
local ok = held({'claimed', 'running'})
if ok ~= 1 then return ok end
redis.call('HSET', KEYS[1], 'status', 'complete', 'output', ARGV[4], 'error', '', 'completed_at', ARGV[3], 'updated_at', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// ARGV[4] error text, ARGV[5] retry-at.
var failScript = redis.NewScript(heldLua + `
local ok = held({'claimed', 'running'})
if ok ~= 1 then return ok end
redis.call('ZREM', KEYS[2], ARGV[1])
local rc = tonumber(redis.call('HGET', KEYS[1], 'retry_count'))
local mr = tonumber(redis.call('HGET', KEYS[1], 'max_retries'))
if rc < mr then
  redis.call('HSET', KEYS[1], 'status', 'pending', 'retry_count', tostring(rc + 1), 'not_before', ARGV[5],
    'claimed_by', '', 'error', ARGV[4], 'updated_at', ARGV[3])
  redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
  local exp = redis.call('HGET', KEYS[1], 'expires_at')
  if exp and exp ~= '' then redis.call('ZADD', KEYS[4], exp, ARGV[1]) end
else
  redis.call('HSET', KEYS[1], 'status', 'failed', 'error', ARGV[4], 'completed_at', ARGV[3], 'updated_at', ARGV[3])
end
return 1
`)

// KEYS = {delayed, ready, leases, expiry}; ARGV = {now, worker, job prefix}.
// Pending jobs past their expiry are dropped from ready and left for the
// reclaim sweep to fail.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  local k = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  if redis.call('HGET', k, 'status') == 'pending' then
    local member = redis.call('HGET', k, 'not_before') .. ':' .. redis.call('HGET', k, 'seq_key')
    redis.call('ZADD', KEYS[2], redis.call('HGET', k, 'rank_score'), member)
  end
end
local now = tonumber(ARGV[1])
while true do
  local top = redis.call('ZRANGE', KEYS[2], 0, 0)
  if #top == 0 then return false end
  redis.call('ZREM', KEYS[2], top[1])
  local id = string.match(top[1], '^%d+:%d+:(.+)$')
  if id then
    local k = ARGV[3] .. id
    if redis.call('HGET', k, 'status') == 'pending' then
      local exp = redis.call('HGET', k, 'expires_at')
      if not exp or exp == '' or tonumber(exp) > now then
        redis.call('HSET', k, 'status', 'claimed', 'claimed_by', ARGV[2], 'claimed_at', ARGV[1],
          'heartbeat_at', ARGV[1], 'updated_at', ARGV[1])
        redis.call('ZADD', KEYS[3], ARGV[1], id)
        redis.call('ZREM', KEYS[4], id)
        return id
      end
    end
  end
end
`)

// KEYS = {leases, delayed, ready, expiry}; ARGV = {stale-before, now, job
// prefix, stale error, expired error, limit}. Returns the ids it touched.
var reclaimScript = redis.NewScript(`
local out = {}
local limit = tonumber(ARGV[6])
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, limit)
for _, id in ipairs(stale) do
  local k = ARGV[3] .. id
  redis.call('ZREM', KEYS[1], id)
  local st = redis.call('HGET', k, 'status')
  if st == 'claimed' or st == 'running' then
    local rc = tonumber(redis.call('HGET', k, 'retry_count'))
    local mr = tonumber(redis.call('HGET', k, 'max_retries'))
    if rc < mr then
      redis.call('HSET', k, 'status', 'pending', 'retry_count', tostring(rc + 1), 'not_before', ARGV[2],
        'claimed_by', '', 'error', ARGV[4], 'updated_at', ARGV[2])
      redis.call('ZADD', KEYS[3], redis.call('HGET', k, 'rank_score'), ARGV[2] .. ':' .. redis.call('HGET', k, 'seq_key'))
      local exp = redis.call('HGET', k, 'expires_at')
      if exp and exp ~= '' then redis.call('ZADD', KEYS[4], exp, id) end
    else
      redis.call('HSET', k, 'status', 'failed', 'claimed_by', '', 'error', ARGV[4], 'completed_at', ARGV[2], 'updated_at', ARGV[2])
    end
    table.insert(out, id)
  end
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[2], 'LIMIT', 0, limit)
for _, id in ipairs(expired) do
  local k = ARGV[3] .. id
  redis.call('ZREM', KEYS[4], id)
  if redis.call('HGET', k, 'status') == 'pending' then
    redis.call('ZREM', KEYS[2], id)
    redis.call('ZREM', KEYS[3], redis.call('HGET', k, 'not_before') .. ':' .. redis.call('HGET', k, 'seq_key'))
    redis.call('HSET', k, 'status', 'failed', 'error', ARGV[5], 'completed_at', ARGV[2], 'updated_at', ARGV[2])
    table.insert(out, id)
  end
end
return out
`)
