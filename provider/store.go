package provider

import (
	"context"
	"sync"

	"github.com/vitwit/ivxp/types"
)

// Store persists orders. Update applies fn to a copy of the order and
// commits it only when the price and payment address are unchanged.
type Store interface {
	Create(ctx context.Context, order *types.Order) error
	Get(ctx context.Context, id string) (*types.Order, error)
	Update(ctx context.Context, id string, fn func(*types.Order) error) (*types.Order, error)
	Close() error
}

func orderNotFound(id string) error {
	return types.Errorf(types.ErrOrderNotFound, "order %s not found", id)
}

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*types.Order
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*types.Order)}
}

func (s *MemoryStore) Create(ctx context.Context, order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return types.Errorf(types.ErrInvalidRequest, "order %s already exists", order.ID)
	}
	cp := order.Clone()
	cp.Version = 1
	s.orders[order.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*types.Order) error) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[id]
	if !ok {
		return nil, orderNotFound(id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := types.CheckImmutable(cur, next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	s.orders[id] = next
	return next.Clone(), nil
}

// Len returns the number of stored orders.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

func (s *MemoryStore) Close() error {
	return nil
}
