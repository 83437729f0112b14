// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
)

const (
	lockRoot = "/stockhold/locks" // 所有分布式锁的根节点
	lockName = "lock-"
)

var (
	// ErrLockTimeout 表示在 ctx 的截止时间内没有拿到锁。
	ErrLockTimeout = errors.New("zookeeper: timeout waiting for lock")
	// ErrInvalidResource 表示资源 ID 不能作为单个 znode 名使用。
	ErrInvalidResource = errors.New("zookeeper: invalid lock resource id")
)

// DistributedLock 定义了一个基于临时顺序节点的分布式锁
type DistributedLock struct {
	conn     *Conn
	path     string // 锁的路径，例如 /stockhold/locks/sku-123
	lockNode string // 成功获取锁后，自己创建的节点路径
}

// NewDistributedLock 创建一个新的分布式锁实例，并确保锁路径存在。
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	if err := validateResource(resourceID); err != nil {
		return nil, err
	}
	lockPath := lockRoot + "/" + resourceID
	if err := conn.ensurePath(lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// Lock 尝试获取锁，阻塞直到成功或 ctx 结束。
// ctx 结束时会删除自己创建的节点，不会遗留排队者。
func (l *DistributedLock) Lock(ctx context.Context) error {
	// 1. 创建受保护的临时顺序节点，连接闪断重试时不会产生孤儿节点
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/"+lockName, nil, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath
	myNodeName := strings.TrimPrefix(nodePath, l.path+"/")

	for {
		// 2. 获取锁路径下的所有子节点，按序号排序
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to get children nodes: %w", err)
		}
		sortBySequence(children)

		// 3. 判断自己是否是最小的节点
		idx := -1
		for i, child := range children {
			if child == myNodeName {
				idx = i
				break
			}
		}
		switch {
		case idx == 0:
			return nil
		case idx < 0:
			// 会话过期导致临时节点丢失
			l.lockNode = ""
			return errors.New("lock node vanished, session probably expired")
		}

		// 4. 不是最小节点，只监听前一个节点，避免羊群效应
		prevNodePath := l.path + "/" + children[idx-1]
		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			l.abandon()
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue
		}

		select {
		case <-eventChan:
			// 节点删除或会话事件，重新竞争
		case <-ctx.Done():
			l.abandon()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrLockTimeout
			}
			return ctx.Err()
		}
	}
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}

func (l *DistributedLock) abandon() {
	if l.lockNode != "" {
		_ = l.conn.Delete(l.lockNode, -1)
		l.lockNode = ""
	}
}

// sortBySequence 按 ZooKeeper 追加的 10 位序号排序。
// 受保护节点带有 GUID 前缀，直接按字符串排序会打乱顺序。
func sortBySequence(children []string) {
	seq := func(name string) string {
		if len(name) < 10 {
			return name
		}
		return name[len(name)-10:]
	}
	sort.Slice(children, func(i, j int) bool {
		return seq(children[i]) < seq(children[j])
	})
}

// validateResource 保证资源 ID 只占一层路径：不含 '/'、不是 "." 或 ".."、不含控制字符。
func validateResource(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsRune(id, '/') {
		return fmt.Errorf("%w: %q", ErrInvalidResource, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %q", ErrInvalidResource, id)
		}
	}
	return nil
}
