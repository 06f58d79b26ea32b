package redisclient

// scriptProducerSendSrc implements the atomic reserve-and-append operation
// a producer needs for idempotent sends: KEYS/ARGV are passed positionally
// and the whole critical section runs server-side in one round trip.
//
// KEYS[1] - idempotency key
// KEYS[2] - target stream name
// ARGV[1] - TTL in seconds for the idempotency key
// ARGV[2] - encoded headers field value
// ARGV[3] - encoded payload field value
//
// Returns the stream id associated with the idempotency key: either the id
// this call just produced, or the value ("PENDING" or a prior id) recorded
// by whichever call reserved it first.
const scriptProducerSendSrc = `
local idem_key = KEYS[1]
local stream_key = KEYS[2]
local ttl = tonumber(ARGV[1])
local headers = ARGV[2]
local payload = ARGV[3]

local reserved = redis.call('SET', idem_key, 'PENDING', 'NX', 'EX', ttl)
if not reserved then
    return redis.call('GET', idem_key)
end

local id = redis.call('XADD', stream_key, '*', 'headers', headers, 'payload', payload)
redis.call('SET', idem_key, id, 'KEEPTTL')
return id
`
