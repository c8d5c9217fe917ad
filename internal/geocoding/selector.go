package geocoding

import (
	"context"

	"github.com/episurv/surveillance/internal/store"
	"github.com/episurv/surveillance/internal/store/model"
)

// Selector picks the next batch of addresses. The claim is only durable once the
// transaction carried by ctx commits.
type Selector struct {
	store store.Store
}

func NewSelector(s store.Store) *Selector {
	return &Selector{store: s}
}

// Select claims up to limit eligible addresses, in id order, and marks them PROCESSING.
func (s *Selector) Select(ctx context.Context, limit int, maxAttempts int) (model.AddressList, error) {
	if limit <= 0 {
		return model.AddressList{}, nil
	}
	return s.store.Address().ClaimEligible(ctx, limit, maxAttempts)
}

// Remaining counts addresses a later batch could still select.
func (s *Selector) Remaining(ctx context.Context, maxAttempts int) (int64, error) {
	return s.store.Address().CountEligible(ctx, maxAttempts)
}
