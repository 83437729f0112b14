// internal/service/reservation/infrastructure/redis_ledger.go
package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"stockhold/internal/pkg/redis"
	"stockhold/internal/service/reservation/domain"
)

const (
	tryReserveScriptName = "stock_try_reserve"
	releaseScriptName    = "stock_release"
	setTotalScriptName   = "stock_set_total"
)

// 脚本返回码
const (
	codeOK          = 1
	codeRejected    = 0
	codeNotFound    = -1
	codeUnderflow   = -2
	codeBelowReserv = -3
)

// RedisLedger 把库存保存在 stock:{productId} 哈希中（字段 total / reserved），
// 所有修改都通过 Lua 脚本在 Redis 内原子完成，多个服务实例共享同一份账本。
type RedisLedger struct {
	redisClient *redis.Client
}

// NewRedisLedger 在创建时注册所需的 Lua 脚本。
func NewRedisLedger(redisClient *redis.Client) (*RedisLedger, error) {
	scripts := map[string]string{
		tryReserveScriptName: tryReserveScript,
		releaseScriptName:    releaseScript,
		setTotalScriptName:   setTotalScript,
	}
	for name, src := range scripts {
		if err := redisClient.LoadScriptFromContent(name, src); err != nil {
			return nil, fmt.Errorf("failed to load ledger script %s: %w", name, err)
		}
	}
	return &RedisLedger{redisClient: redisClient}, nil
}

func stockKey(productID string) string {
	return fmt.Sprintf("stock:{%s}", productID)
}

func (l *RedisLedger) Get(ctx context.Context, productID string) (domain.StockRecord, error) {
	vals, err := l.redisClient.GetClient().HMGet(ctx, stockKey(productID), "total", "reserved").Result()
	if err != nil {
		return domain.StockRecord{}, errors.Wrapf(err, "redis ledger get %s", productID)
	}
	if vals[0] == nil {
		return domain.StockRecord{}, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	total, err := parseUint(vals[0])
	if err != nil {
		return domain.StockRecord{}, errors.Wrapf(err, "product %s total", productID)
	}
	var reserved uint
	if vals[1] != nil {
		if reserved, err = parseUint(vals[1]); err != nil {
			return domain.StockRecord{}, errors.Wrapf(err, "product %s reserved", productID)
		}
	}
	return domain.StockRecord{ProductID: productID, TotalStock: total, Reserved: reserved}, nil
}

func (l *RedisLedger) TryReserve(ctx context.Context, productID string, qty uint) (bool, error) {
	code, err := l.run(ctx, tryReserveScriptName, productID, qty)
	if err != nil {
		return false, err
	}
	switch code {
	case codeOK:
		return true, nil
	case codeRejected:
		return false, nil
	case codeNotFound:
		return false, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	default:
		return false, fmt.Errorf("unknown result code from try reserve script: %d", code)
	}
}

func (l *RedisLedger) Release(ctx context.Context, productID string, qty uint) error {
	code, err := l.run(ctx, releaseScriptName, productID, qty)
	if err != nil {
		return err
	}
	switch code {
	case codeOK:
		return nil
	case codeNotFound:
		return errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	case codeUnderflow:
		return errors.Wrapf(domain.ErrLedgerUnderflow, "product %s: release %d", productID, qty)
	default:
		return fmt.Errorf("unknown result code from release script: %d", code)
	}
}

func (l *RedisLedger) SetTotal(ctx context.Context, productID string, total uint) error {
	code, err := l.run(ctx, setTotalScriptName, productID, total)
	if err != nil {
		return err
	}
	switch code {
	case codeOK:
		return nil
	case codeBelowReserv:
		return errors.Wrapf(domain.ErrInvalidArgument, "product %s: total %d below reserved", productID, total)
	default:
		return fmt.Errorf("unknown result code from set total script: %d", code)
	}
}

// Products 用 SCAN 遍历 stock:{*} 键，不阻塞 Redis。
func (l *RedisLedger) Products(ctx context.Context) ([]string, error) {
	var ids []string
	iter := l.redisClient.GetClient().Scan(ctx, 0, "stock:{*}", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if id, ok := strings.CutPrefix(key, "stock:{"); ok && strings.HasSuffix(id, "}") {
			ids = append(ids, strings.TrimSuffix(id, "}"))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis ledger list products")
	}
	sort.Strings(ids)
	return ids, nil
}

func (l *RedisLedger) run(ctx context.Context, script, productID string, qty uint) (int64, error) {
	result, err := l.redisClient.RunScript(ctx, script, []string{stockKey(productID)}, qty)
	if err != nil {
		return 0, errors.Wrapf(err, "redis ledger %s %s", script, productID)
	}
	code, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected result type from Lua script: %T", result)
	}
	return code, nil
}

func parseUint(v interface{}) (uint, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected hash value type %T", v)
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return uint(n), err
}

var tryReserveScript = `
local total = redis.call('HGET', KEYS[1], 'total')
if not total then
    return -1
end
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local qty = tonumber(ARGV[1])
if reserved + qty > tonumber(total) then
    return 0
end
redis.call('HINCRBY', KEYS[1], 'reserved', qty)
return 1
`

var releaseScript = `
local total = redis.call('HGET', KEYS[1], 'total')
if not total then
    return -1
end
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local qty = tonumber(ARGV[1])
if qty > reserved then
    return -2
end
redis.call('HINCRBY', KEYS[1], 'reserved', -qty)
return 1
`

var setTotalScript = `
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved') or '0')
local total = tonumber(ARGV[1])
if total < reserved then
    return -3
end
redis.call('HSET', KEYS[1], 'total', total, 'reserved', reserved)
return 1
`
