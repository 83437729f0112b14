// internal/service/reservation/infrastructure/memory_ledger.go
package infrastructure

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"stockhold/internal/service/reservation/domain"
)

// MemoryLedger 是进程内的 StockLedger，用于单机演示和测试。
type MemoryLedger struct {
	mu     sync.RWMutex
	stocks map[string]*domain.StockRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{stocks: make(map[string]*domain.StockRecord)}
}

func (l *MemoryLedger) Get(_ context.Context, productID string) (domain.StockRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.stocks[productID]
	if !ok {
		return domain.StockRecord{}, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	return *rec, nil
}

func (l *MemoryLedger) TryReserve(_ context.Context, productID string, qty uint) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.stocks[productID]
	if !ok {
		return false, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	if rec.Available() < qty {
		return false, nil
	}
	rec.Reserved += qty
	return true, nil
}

func (l *MemoryLedger) Release(_ context.Context, productID string, qty uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.stocks[productID]
	if !ok {
		return errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	if rec.Reserved < qty {
		return errors.Wrapf(domain.ErrLedgerUnderflow, "product %s: release %d of %d reserved", productID, qty, rec.Reserved)
	}
	rec.Reserved -= qty
	return nil
}

func (l *MemoryLedger) SetTotal(_ context.Context, productID string, total uint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.stocks[productID]
	if !ok {
		l.stocks[productID] = &domain.StockRecord{ProductID: productID, TotalStock: total}
		return nil
	}
	if total < rec.Reserved {
		return errors.Wrapf(domain.ErrInvalidArgument, "product %s: total %d below reserved %d", productID, total, rec.Reserved)
	}
	rec.TotalStock = total
	return nil
}

func (l *MemoryLedger) Products(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.stocks))
	for id := range l.stocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
