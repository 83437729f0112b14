package infrastructure

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"stockhold/internal/service/reservation/domain"
)

func TestZookeeperLockerRejectsNestedProductIDs(t *testing.T) {
	locker := NewZookeeperLocker(nil)
	for _, key := range []string{"..", "a/b"} {
		release, err := locker.Acquire(context.Background(), []string{key})
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, key)
		assert.Nil(t, release)
	}
}
