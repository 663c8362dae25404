package redis

import goredis "github.com/redis/go-redis/v9"

// Node data lives at <prefix>node:<path>, the names of a node's children in
// the set <prefix>children:<path>. Every mutation publishes "<type> <path>" on
// the event channel from inside the script, so watchers observe changes in
// commit order.
//
// Scripts compute keys from ARGV; the store targets a single Redis node, not
// a cluster.

const luaHelpers = `
local prefix = ARGV[1]
local channel = ARGV[2]
local function nodeKey(p) return prefix .. 'node:' .. p end
local function childrenKey(p) return prefix .. 'children:' .. p end
local function parentOf(p)
  local i = string.match(p, '^.*()/')
  if i == nil or i <= 1 then return '/' end
  return string.sub(p, 1, i - 1)
end
local function nameOf(p) return string.match(p, '([^/]+)$') end
local function childOf(p, name)
  if p == '/' then return '/' .. name end
  return p .. '/' .. name
end
local function link(p)
  local child = p
  while child ~= '/' do
    local parent = parentOf(child)
    redis.call('SADD', childrenKey(parent), nameOf(child))
    child = parent
  end
end
local function write(p, data)
  local existed = redis.call('EXISTS', nodeKey(p))
  redis.call('SET', nodeKey(p), data)
  link(p)
  if existed == 1 then
    redis.call('PUBLISH', channel, 'changed ' .. p)
  else
    redis.call('PUBLISH', channel, 'created ' .. p)
  end
end
local function remove(root)
  local stack = {root}
  while #stack > 0 do
    local p = table.remove(stack)
    local kids = redis.call('SMEMBERS', childrenKey(p))
    for _, name in ipairs(kids) do
      table.insert(stack, childOf(p, name))
    end
    if redis.call('DEL', nodeKey(p), childrenKey(p)) > 0 then
      redis.call('PUBLISH', channel, 'deleted ' .. p)
    end
  end
  if root ~= '/' then
    redis.call('SREM', childrenKey(parentOf(root)), nameOf(root))
  end
end
`

// commitScript: ARGV = prefix, channel, count, then (kind, path, data) triples.
// All preconditions are checked before anything is written.
var commitScript = goredis.NewScript(luaHelpers + `
local n = tonumber(ARGV[3])
for i = 0, n - 1 do
  local kind = ARGV[4 + i * 3]
  local p = ARGV[5 + i * 3]
  local data = ARGV[6 + i * 3]
  if kind == 'check' then
    if redis.call('GET', nodeKey(p)) ~= data then
      return redis.error_reply('CHECKFAILED ' .. p)
    end
  elseif kind == 'create' then
    if redis.call('EXISTS', nodeKey(p)) == 1 then
      return redis.error_reply('NODEEXISTS ' .. p)
    end
  end
end
for i = 0, n - 1 do
  local kind = ARGV[4 + i * 3]
  local p = ARGV[5 + i * 3]
  local data = ARGV[6 + i * 3]
  if kind == 'set' or kind == 'create' then
    write(p, data)
  elseif kind == 'delete' then
    remove(p)
  end
end
return n
`)

// incrementScript: ARGV = prefix, channel, path.
var incrementScript = goredis.NewScript(luaHelpers + `
local p = ARGV[3]
local existed = redis.call('EXISTS', nodeKey(p))
local v = redis.call('INCR', nodeKey(p))
link(p)
if existed == 1 then
  redis.call('PUBLISH', channel, 'changed ' .. p)
else
  redis.call('PUBLISH', channel, 'created ' .. p)
end
return v
`)

// refreshLockScript extends a lock only while it still holds our token.
var refreshLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseLockScript deletes a lock only while it still holds our token.
var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

const (
	replyCheckFailed = "CHECKFAILED"
	replyNodeExists  = "NODEEXISTS"
)
