// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"stockhold/internal/pkg/logger"
)

// Client 封装了 go-redis 的通用客户端，并缓存按名字注册的 Lua 脚本。
type Client struct {
	client redis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 根据逗号分隔的地址列表创建客户端。
// 单个地址使用单机模式，多个地址使用集群模式。
func NewClient(addrs string) (*Client, error) {
	var list []string
	for _, a := range strings.Split(addrs, ",") {
		if a = strings.TrimSpace(a); a != "" {
			list = append(list, a)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("redis: no address configured")
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        list,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %v: %w", list, err)
	}
	logger.Ctx(ctx).Info().Strs("addrs", list).Msg("✅ Connected to Redis")

	return Wrap(rdb), nil
}

// Wrap 用一个已有的客户端构造 Client，测试中配合 miniredis 使用。
func Wrap(rdb redis.UniversalClient) *Client {
	return &Client{client: rdb, scripts: make(map[string]*redis.Script)}
}

// LoadScriptFromContent 以 name 注册一段 Lua 脚本。
// 脚本在首次执行时通过 EVALSHA 调用，服务端缺失时自动回退到 EVAL。
func (c *Client) LoadScriptFromContent(name, src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("redis: script %q is empty", name)
	}
	c.mu.Lock()
	c.scripts[name] = redis.NewScript(src)
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本并返回原始结果。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("redis: script %q not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

func (c *Client) GetClient() redis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
