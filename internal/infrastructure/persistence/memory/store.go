// Package memory provides a mutex-guarded TransactionStore for tests and
// single-process deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

type Store struct {
	mu           sync.Mutex
	transactions map[string]*domain.Transaction
	events       map[string]*application.AppliedEvent
}

func NewStore() *Store {
	return &Store{
		transactions: make(map[string]*domain.Transaction),
		events:       make(map[string]*application.AppliedEvent),
	}
}

func (s *Store) Create(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[tx.Reference]; exists {
		return fmt.Errorf("reference %s already exists", tx.Reference)
	}
	s.transactions[tx.Reference] = copyTransaction(tx)
	return nil
}

func (s *Store) Load(ctx context.Context, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[reference]
	if !ok {
		return nil, application.ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (s *Store) Save(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.transactions[tx.Reference]; !ok {
		return application.ErrTransactionNotFound
	}
	s.transactions[tx.Reference] = copyTransaction(tx)
	return nil
}

// LockForUpdate runs fn on the stored transaction under the store mutex.
// The mutation is kept only when fn succeeds.
func (s *Store) LockForUpdate(ctx context.Context, reference string, fn func(tx *domain.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.transactions[reference]
	if !ok {
		return application.ErrTransactionNotFound
	}
	working := copyTransaction(stored)
	if err := fn(working); err != nil {
		return err
	}
	s.transactions[reference] = working
	return nil
}

func (s *Store) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var stale []*domain.Transaction
	for _, tx := range s.transactions {
		if len(stale) >= limit {
			break
		}
		if !tx.IsTerminal() && tx.LastTransitionAt.Before(cutoff) {
			stale = append(stale, copyTransaction(tx))
		}
	}
	return stale, nil
}

func (s *Store) LookupEvent(ctx context.Context, eventID string) (*application.AppliedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	copied := *ev
	return &copied, nil
}

func (s *Store) RecordEvent(ctx context.Context, event *application.AppliedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *event
	s.events[event.EventID] = &copied
	return nil
}

func copyTransaction(tx *domain.Transaction) *domain.Transaction {
	copied := *tx
	if tx.PSPReference != nil {
		v := *tx.PSPReference
		copied.PSPReference = &v
	}
	if tx.WebhookID != nil {
		v := *tx.WebhookID
		copied.WebhookID = &v
	}
	if tx.WebhookSecret != nil {
		v := *tx.WebhookSecret
		copied.WebhookSecret = &v
	}
	return &copied
}
