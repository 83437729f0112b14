// internal/service/reservation/domain/errors.go
package domain

import "github.com/pkg/errors"

var (
	// ErrProductNotFound 商品在账本中不存在
	ErrProductNotFound = errors.New("product not found")
	// ErrInvalidArgument 购物车 ID 或数量不合法
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable 暂时无法完成请求（锁等待超时重试后仍失败），调用方可以稍后重试
	ErrUnavailable = errors.New("reservation service unavailable")
	// ErrLockTimeout 在限定时间内没有拿到商品锁
	ErrLockTimeout = errors.New("lock acquisition timed out")
	// ErrLedgerUnderflow 归还的数量超过了已预占数量，说明账本与预占表不一致
	ErrLedgerUnderflow = errors.New("ledger reserved underflow")
)
