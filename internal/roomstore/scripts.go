package roomstore

import "github.com/redis/go-redis/v9"

// 모든 변경은 단일 스크립트 = 방 단위 원자성. 에러는 error_reply 로 코드 문자열 반환.
// 단일 Redis 인스턴스 전제: 인덱스에서 읽은 방/플레이어 키를 ARGV 접두사로 조립하므로 Cluster/프록시에서는 쓰지 않는다.

// KEYS: room, waiting, player index
// ARGV: roomId, player1, rating1, position, pieces_white, pieces_black, turn, created_at, ttl, acc_zero, room key prefix
var createScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[3])
if existing then
  local status = redis.call('HGET', ARGV[11] .. existing, 'status')
  if status == 'waiting-for-opponent' then
    return {'existing', existing}
  end
  if status == 'active' then
    return redis.error_reply('InvalidRequest player already in an active room')
  end
end
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('InvalidRequest room id collision')
end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'player1', ARGV[2], 'rating1', ARGV[3], 'position', ARGV[4],
  'pieces_white', ARGV[5], 'pieces_black', ARGV[6], 'turn', ARGV[7],
  'status', 'waiting-for-opponent', 'acc_white', ARGV[10], 'acc_black', ARGV[10],
  'move_seq', '0', 'created_at', ARGV[8], 'updated_at', ARGV[8])
redis.call('EXPIRE', KEYS[1], ARGV[9])
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[9])
return {'created', ARGV[1]}
`)

// KEYS: room, waiting, player2 index
// ARGV: roomId, player2, rating2, pieces_black, updated_at, ttl, room key prefix
var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('RoomNotFound room does not exist')
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'waiting-for-opponent' or redis.call('HEXISTS', KEYS[1], 'player2') == 1 then
  return redis.error_reply('RoomFull room is already full')
end
if redis.call('HGET', KEYS[1], 'player1') == ARGV[2] then
  return redis.error_reply('InvalidRequest cannot join your own room')
end
local current = redis.call('GET', KEYS[3])
if current and current ~= ARGV[1] and redis.call('EXISTS', ARGV[7] .. current) == 1 then
  return redis.error_reply('InvalidRequest player already in another room')
end
redis.call('HSET', KEYS[1], 'player2', ARGV[2], 'rating2', ARGV[3],
  'pieces_black', ARGV[4], 'status', 'active', 'updated_at', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[6])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1], 'EX', ARGV[6])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: room, player1 index, player2 index, moves list
// ARGV: expected_seq, expected_turn, position, pieces_white, pieces_black, last_move,
//       next_turn, acc_field, acc_json, updated_at, ttl
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('RoomNotFound room does not exist')
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
  return redis.error_reply('RoomNotFound room is not active')
end
local seq = tonumber(redis.call('HGET', KEYS[1], 'move_seq') or '0')
if seq ~= tonumber(ARGV[1]) or redis.call('HGET', KEYS[1], 'turn') ~= ARGV[2] then
  return redis.error_reply('NotYourTurn turn changed')
end
redis.call('HSET', KEYS[1], 'position', ARGV[3], 'pieces_white', ARGV[4],
  'pieces_black', ARGV[5], 'last_move', ARGV[6], 'turn', ARGV[7],
  ARGV[8], ARGV[9], 'move_seq', tostring(seq + 1), 'updated_at', ARGV[10])
redis.call('EXPIRE', KEYS[1], ARGV[11])
redis.call('EXPIRE', KEYS[2], ARGV[11])
redis.call('EXPIRE', KEYS[3], ARGV[11])
redis.call('RPUSH', KEYS[4], ARGV[6])
redis.call('EXPIRE', KEYS[4], ARGV[11])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: room, waiting, moves list
// ARGV: roomId, player index prefix, extra player id (선택)
var terminateScript = redis.NewScript(`
local removed = 0
local p1 = redis.call('HGET', KEYS[1], 'player1')
local p2 = redis.call('HGET', KEYS[1], 'player2')
for _, pid in ipairs({p1, p2, ARGV[3]}) do
  if pid and pid ~= '' then
    local idx = ARGV[2] .. pid
    if redis.call('GET', idx) == ARGV[1] then
      redis.call('DEL', idx)
    end
  end
end
removed = redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[3])
redis.call('SREM', KEYS[2], ARGV[1])
return removed
`)

// KEYS: player index ; ARGV: roomId
var clearIndexScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
