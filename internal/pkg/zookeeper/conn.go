package zookeeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"stockhold/internal/pkg/logger"
)

// Conn 是对 zk.Conn 的轻量封装。
type Conn struct {
	*zk.Conn
}

// Connect 连接到逗号分隔的 ZooKeeper 集群，并等待会话建立。
func Connect(servers string, sessionTimeout time.Duration) (*Conn, error) {
	var list []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			list = append(list, s)
		}
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("zookeeper: no servers configured")
	}

	conn, events, err := zk.Connect(list, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zookeeper: connect %v: %w", list, err)
	}

	deadline := time.After(sessionTimeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				logger.Ctx(context.Background()).Info().Strs("servers", list).Msg("✅ Connected to ZooKeeper")
				return &Conn{Conn: conn}, nil
			}
		case <-deadline:
			conn.Close()
			return nil, fmt.Errorf("zookeeper: no session within %s", sessionTimeout)
		}
	}
}

// ensurePath 逐级创建持久节点，已存在的节点会被忽略。
func (c *Conn) ensurePath(path string) error {
	cur := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		cur += "/" + part
		exists, _, err := c.Exists(cur)
		if err != nil {
			return fmt.Errorf("zookeeper: exists %s: %w", cur, err)
		}
		if exists {
			continue
		}
		if _, err := c.Create(cur, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("zookeeper: create %s: %w", cur, err)
		}
	}
	return nil
}
