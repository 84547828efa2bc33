package valkey

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// An attempt lives in a hash and is referenced from four sorted sets: the
// identifier's attempts and locks, and the global attempt and lock indexes.
// Every script that changes an attempt updates all of them in the same call.

// luaAppendFailure counts the identifier's attempts inside the window and
// stores the new attempt with the post-increment count.
//
// KEYS[1] = identifier attempts ZSET
// KEYS[2] = identifier locks ZSET
// KEYS[3] = global attempts ZSET
// KEYS[4] = global locks ZSET
// KEYS[5] = attempt hash
// ARGV[1] = window start (unix ms, inclusive)
// ARGV[2] = max attempts (0 disables locking)
// ARGV[3] = attempt time (unix ms)
// ARGV[4] = locked until (unix ms), used only when the attempt locks
// ARGV[5..9] = id, identifier, identifier type, ip address, user agent
//
// Returns the post-increment count.
const luaAppendFailure = `
if redis.call('EXISTS', KEYS[5]) == 1 then
    return redis.error_reply('attempt already exists')
end

local count = redis.call('ZCOUNT', KEYS[1], ARGV[1], '+inf') + 1
local max = tonumber(ARGV[2])
local locked = max > 0 and count >= max

local lockedFlag = '0'
local lockedUntil = ''
if locked then
    lockedFlag = '1'
    lockedUntil = ARGV[4]
end

redis.call('HSET', KEYS[5],
    'id', ARGV[5],
    'identifier', ARGV[6],
    'identifier_type', ARGV[7],
    'ip_address', ARGV[8],
    'user_agent', ARGV[9],
    'attempt_time', ARGV[3],
    'attempt_count', count,
    'is_locked', lockedFlag,
    'locked_until', lockedUntil)
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])

if locked then
    redis.call('ZADD', KEYS[2], ARGV[4], ARGV[5])
    redis.call('ZADD', KEYS[4], ARGV[4], ARGV[5])
end

return count
`

// luaLatestLock returns the fields of the identifier's lock with the latest
// locked-until time, or nil.
//
// KEYS[1] = identifier locks ZSET
// ARGV[1] = attempt hash key prefix
const luaLatestLock = `
local ids = redis.call('ZREVRANGE', KEYS[1], 0, 0)
if #ids == 0 then
    return false
end
return redis.call('HGETALL', ARGV[1] .. ids[1])
`

// luaClearLock clears the lock on one attempt.
//
// KEYS[1] = attempt hash
// KEYS[2] = global locks ZSET
// ARGV[1] = identifier locks key prefix
// ARGV[2] = attempt id
//
// Returns 0 when the attempt does not exist, 1 otherwise.
const luaClearLock = `
local ident = redis.call('HMGET', KEYS[1], 'identifier_type', 'identifier')
if not ident[1] then
    return 0
end
redis.call('HSET', KEYS[1], 'is_locked', '0', 'locked_until', '')
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZREM', ARGV[1] .. ident[1] .. ':' .. ident[2], ARGV[2])
return 1
`

// luaUnlock clears every lock held by one identifier.
//
// KEYS[1] = identifier locks ZSET
// KEYS[2] = global locks ZSET
// ARGV[1] = attempt hash key prefix
//
// Returns the number of attempts unlocked.
const luaUnlock = `
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
    redis.call('HSET', ARGV[1] .. id, 'is_locked', '0', 'locked_until', '')
    redis.call('ZREM', KEYS[2], id)
end
redis.call('DEL', KEYS[1])
return #ids
`

// luaDeleteAttempts removes every attempt of one identifier.
//
// KEYS[1] = identifier attempts ZSET
// KEYS[2] = identifier locks ZSET
// KEYS[3] = global attempts ZSET
// KEYS[4] = global locks ZSET
// ARGV[1] = attempt hash key prefix
//
// Returns the number of attempts removed.
const luaDeleteAttempts = `
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
    redis.call('DEL', ARGV[1] .. id)
    redis.call('ZREM', KEYS[3], id)
    redis.call('ZREM', KEYS[4], id)
end
redis.call('DEL', KEYS[1], KEYS[2])
return #ids
`

// luaSweepAttempts examines one batch of attempts whose indexed time is
// strictly before the cutoff, re-checks the lock flag on each and removes the
// ones that match. In dry-run mode it only counts.
//
// KEYS[1] = index to scan (global attempts or global locks ZSET)
// KEYS[2] = global attempts ZSET
// KEYS[3] = global locks ZSET
// ARGV[1] = attempt hash key prefix
// ARGV[2] = identifier attempts key prefix
// ARGV[3] = identifier locks key prefix
// ARGV[4] = cutoff (unix ms, exclusive)
// ARGV[5] = required is_locked value ('1', '0', or '' for any)
// ARGV[6] = offset into the index
// ARGV[7] = batch size
// ARGV[8] = '1' for dry run
//
// Returns {matched, scanned}.
const luaSweepAttempts = `
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[4], 'LIMIT', ARGV[6], ARGV[7])
local matched = 0
for _, id in ipairs(ids) do
    local key = ARGV[1] .. id
    local rec = redis.call('HMGET', key, 'is_locked', 'identifier_type', 'identifier')
    if rec[2] and (ARGV[5] == '' or rec[1] == ARGV[5]) then
        matched = matched + 1
        if ARGV[8] ~= '1' then
            local ident = rec[2] .. ':' .. rec[3]
            redis.call('DEL', key)
            redis.call('ZREM', KEYS[2], id)
            redis.call('ZREM', KEYS[3], id)
            redis.call('ZREM', ARGV[2] .. ident, id)
            redis.call('ZREM', ARGV[3] .. ident, id)
        end
    end
end
return {matched, #ids}
`

// luaLockoutStats counts locks active after now and attempts since a time.
//
// KEYS[1] = global locks ZSET
// KEYS[2] = global attempts ZSET
// ARGV[1] = now (unix ms, exclusive)
// ARGV[2] = since (unix ms, inclusive)
const luaLockoutStats = `
return {
    redis.call('ZCOUNT', KEYS[1], '(' .. ARGV[1], '+inf'),
    redis.call('ZCOUNT', KEYS[2], ARGV[2], '+inf')
}
`
