package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"stockhold/internal/pkg/redis"
	"stockhold/internal/service/reservation/domain"
)

const (
	putHoldScriptName    = "hold_put"
	holdExpiryScriptName = "hold_set_expiry"

	// 占用相关的键共用 {holds} 哈希标签，集群模式下落在同一个槽，Lua 脚本可以一次修改
	holdKeyPrefix   = "holds:{holds}:"
	holdExpiryKey   = holdKeyPrefix + "expiry"
	holdExpiryField = "@exp" // 购物车哈希中保存过期时间（UnixNano）的字段，商品 ID 不会以 @ 开头
)

// RedisHoldStore 把占用保存在 Redis 中：
//   - holds:{holds}:cart:<cartId>     哈希 productId -> quantity，外加 @exp 字段
//   - holds:{holds}:product:<productId> 哈希 cartId -> quantity
//   - holds:{holds}:expiry            有序集合 cartId，分数为过期时间（毫秒）
type RedisHoldStore struct {
	redisClient *redis.Client
}

func NewRedisHoldStore(redisClient *redis.Client) (*RedisHoldStore, error) {
	scripts := map[string]string{
		putHoldScriptName:    putHoldScript,
		holdExpiryScriptName: holdExpiryScript,
	}
	for name, src := range scripts {
		if err := redisClient.LoadScriptFromContent(name, src); err != nil {
			return nil, fmt.Errorf("failed to load hold script %s: %w", name, err)
		}
	}
	return &RedisHoldStore{redisClient: redisClient}, nil
}

func cartHoldKey(cartID string) string       { return holdKeyPrefix + "cart:" + cartID }
func productHoldKey(productID string) string { return holdKeyPrefix + "product:" + productID }

func (s *RedisHoldStore) Cart(ctx context.Context, cartID string) (domain.CartView, error) {
	view := domain.CartView{CartID: cartID}
	fields, err := s.redisClient.GetClient().HGetAll(ctx, cartHoldKey(cartID)).Result()
	if err != nil {
		return view, errors.Wrapf(err, "redis hold store cart %s", cartID)
	}
	if len(fields) == 0 {
		return view, nil
	}
	if raw, ok := fields[holdExpiryField]; ok {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return view, errors.Wrapf(err, "cart %s expiry", cartID)
		}
		view.ExpiresAt = time.Unix(0, nanos).UTC()
	}
	for pid, raw := range fields {
		if pid == holdExpiryField {
			continue
		}
		qty, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return view, errors.Wrapf(err, "cart %s product %s quantity", cartID, pid)
		}
		view.Reservations = append(view.Reservations, domain.Reservation{
			CartID:    cartID,
			ProductID: pid,
			Quantity:  uint(qty),
			ExpiresAt: view.ExpiresAt,
		})
	}
	sort.Slice(view.Reservations, func(i, j int) bool {
		return view.Reservations[i].ProductID < view.Reservations[j].ProductID
	})
	return view, nil
}

func (s *RedisHoldStore) Put(ctx context.Context, cartID, productID string, qty uint, expiresAt time.Time) error {
	_, err := s.redisClient.RunScript(ctx, putHoldScriptName,
		[]string{cartHoldKey(cartID), productHoldKey(productID), holdExpiryKey},
		cartID, productID, qty, expiresAt.UnixNano(), expiresAt.UnixMilli())
	return errors.Wrapf(err, "redis hold store put %s/%s", cartID, productID)
}

func (s *RedisHoldStore) SetExpiry(ctx context.Context, cartID string, expiresAt time.Time) error {
	_, err := s.redisClient.RunScript(ctx, holdExpiryScriptName,
		[]string{cartHoldKey(cartID), holdExpiryKey},
		cartID, expiresAt.UnixNano(), expiresAt.UnixMilli())
	return errors.Wrapf(err, "redis hold store expiry %s", cartID)
}

func (s *RedisHoldStore) ProductHolds(ctx context.Context, productID string) (map[string]uint, error) {
	fields, err := s.redisClient.GetClient().HGetAll(ctx, productHoldKey(productID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "redis hold store product %s", productID)
	}
	holds := make(map[string]uint, len(fields))
	for cartID, raw := range fields {
		qty, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "product %s cart %s quantity", productID, cartID)
		}
		holds[cartID] = uint(qty)
	}
	return holds, nil
}

// Due 按毫秒精度筛选，同一毫秒内尚未过期的购物车也会返回，由调用方在锁内精确判断。
func (s *RedisHoldStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opt := &goredis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	due, err := s.redisClient.GetClient().ZRangeByScore(ctx, holdExpiryKey, opt).Result()
	return due, errors.Wrap(err, "redis hold store due")
}

func (s *RedisHoldStore) Count(ctx context.Context) (int, error) {
	n, err := s.redisClient.GetClient().ZCard(ctx, holdExpiryKey).Result()
	return int(n), errors.Wrap(err, "redis hold store count")
}

// KEYS: cart 哈希, product 哈希, 过期集合; ARGV: cartId, productId, qty, 过期时间 ns, 过期时间 ms
var putHoldScript = `
if ARGV[3] == '0' then
    redis.call('HDEL', KEYS[1], ARGV[2])
    redis.call('HDEL', KEYS[2], ARGV[1])
else
    redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
    redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
end
local n = redis.call('HLEN', KEYS[1])
if redis.call('HEXISTS', KEYS[1], '@exp') == 1 then
    n = n - 1
end
if n == 0 then
    redis.call('DEL', KEYS[1])
    redis.call('ZREM', KEYS[3], ARGV[1])
else
    redis.call('HSET', KEYS[1], '@exp', ARGV[4])
    redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
end
return 1
`

// KEYS: cart 哈希, 过期集合; ARGV: cartId, 过期时间 ns, 过期时间 ms
var holdExpiryScript = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], '@exp', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`
