package queue

import "github.com/redis/go-redis/v9"

// Each script touches one queue's keys. Job hashes are addressed through
// the prefix in ARGV since their ids are only known inside the script.

// KEYS job, waiting, delayed, active, seq
// ARGV id, name, data, priority, max_attempts, backoff_ms, now_ms, run_at_ms
// returns 0 inserted, 1 replaced, 2 skipped because active
// A replaced job keeps its seq and created_at so it holds its place in line.
// One that is waiting out a retry also keeps its attempts and its run time.
var addScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return 2
end
local runAt = tonumber(ARGV[8])
local created = ARGV[7]
local made = 0
local lastErr = ''
local seq = nil

local retryAt = redis.call('ZSCORE', KEYS[3], ARGV[1])
local replaced = 0
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then replaced = 1 end
if redis.call('ZREM', KEYS[3], ARGV[1]) == 1 then replaced = 1 end
if replaced == 1 then
  local old = redis.call('HMGET', KEYS[1], 'seq', 'created_at', 'attempts_made', 'last_error')
  if old[1] then seq = tonumber(old[1]) end
  if old[2] then created = old[2] end
  local prev = tonumber(old[3] or '0')
  if retryAt and prev > 0 then
    made = prev
    lastErr = old[4] or ''
    if tonumber(retryAt) > runAt then runAt = tonumber(retryAt) end
  end
end
redis.call('DEL', KEYS[1])

if not seq then seq = redis.call('INCR', KEYS[5]) end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'name', ARGV[2], 'data', ARGV[3], 'priority', ARGV[4],
  'max_attempts', ARGV[5], 'backoff_ms', ARGV[6], 'attempts_made', made,
  'created_at', created, 'seq', seq)
if lastErr ~= '' then
  redis.call('HSET', KEYS[1], 'last_error', lastErr)
end

if runAt > tonumber(ARGV[7]) then
  redis.call('ZADD', KEYS[3], runAt, ARGV[1])
else
  redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) * 10000000000 + seq, ARGV[1])
end
return replaced
`)

// KEYS waiting, delayed, active
// ARGV now_ms, lease_ms, job_prefix, lease_token
// returns HGETALL of the reserved job, or nil when nothing is ready
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now, 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local jk = ARGV[3] .. id
  local prio = tonumber(redis.call('HGET', jk, 'priority') or '0')
  local seq = tonumber(redis.call('HGET', jk, 'seq') or '0')
  redis.call('ZADD', KEYS[1], prio * 10000000000 + seq, id)
end

local top = redis.call('ZRANGE', KEYS[1], 0, 0)
if #top == 0 then
  return false
end
local id = top[1]
local jk = ARGV[3] .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[3], now + tonumber(ARGV[2]), id)
redis.call('HINCRBY', jk, 'attempts_made', 1)
redis.call('HSET', jk, 'started_at', now, 'lease', ARGV[4])
return redis.call('HGETALL', jk)
`)

// KEYS active, job
// ARGV id, lease_token
// returns 1 when the lease still matched and the job was removed
var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('DEL', KEYS[2])
return 1
`)

// KEYS active, delayed, job
// ARGV id, lease_token, run_at_ms, last_error
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], 'lease') ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HSET', KEYS[3], 'last_error', ARGV[4], 'lease', '')
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return 1
`)

// KEYS waiting, delayed, job
// ARGV id
var removeScript = redis.NewScript(`
local n = redis.call('ZREM', KEYS[1], ARGV[1]) + redis.call('ZREM', KEYS[2], ARGV[1])
if n > 0 then
  redis.call('DEL', KEYS[3])
end
return n
`)

// KEYS active, delayed
// ARGV now_ms, job_prefix, limit
// Expired leases with attempts left go back to delayed using the job's
// exponential backoff. Exhausted ones leave every set; their ids are
// returned so the caller can dead-letter and purge them.
var reclaimScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', now, 'LIMIT', 0, tonumber(ARGV[3]))
local exhausted = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local jk = ARGV[2] .. id
  local made = tonumber(redis.call('HGET', jk, 'attempts_made') or '0')
  local max = tonumber(redis.call('HGET', jk, 'max_attempts') or '1')
  if made >= max then
    table.insert(exhausted, id)
  else
    local backoff = tonumber(redis.call('HGET', jk, 'backoff_ms') or '0')
    local delay = backoff * math.pow(2, math.max(0, made - 1))
    redis.call('HSET', jk, 'last_error', 'job lease expired', 'lease', '')
    redis.call('ZADD', KEYS[2], now + delay, id)
  end
end
return exhausted
`)
