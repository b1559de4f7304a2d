package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCustomerBusy is returned when another operation for the same customer
// holds the lock longer than the configured wait.
var ErrCustomerBusy = errors.New("another operation is in progress for this customer, please try again")

const defaultAcquireTimeout = 30 * time.Second

type customerLock struct {
	ch      chan struct{} // capacity 1; holding the token means holding the lock
	waiters int
}

// LockManager serializes critical sections per customer. Operations for
// different customers never contend; two operations for the same customer
// never overlap. In-memory only, single-process.
type LockManager struct {
	mu             sync.Mutex
	locks          map[int]*customerLock
	acquireTimeout time.Duration
}

func NewLockManager() *LockManager {
	return &LockManager{
		locks:          make(map[int]*customerLock),
		acquireTimeout: defaultAcquireTimeout,
	}
}

// Acquire blocks until the customer's lock is free, the wait budget runs out,
// or ctx is cancelled. The returned release function must be called exactly
// once; calling it more than once is a no-op.
func (m *LockManager) Acquire(ctx context.Context, customerID int) (func(), error) {
	m.mu.Lock()
	entry, ok := m.locks[customerID]
	if !ok {
		entry = &customerLock{ch: make(chan struct{}, 1)}
		entry.ch <- struct{}{}
		m.locks[customerID] = entry
	}
	entry.waiters++
	m.mu.Unlock()

	timer := time.NewTimer(m.acquireTimeout)
	defer timer.Stop()

	select {
	case <-entry.ch:
		var once sync.Once
		release := func() {
			once.Do(func() {
				m.mu.Lock()
				entry.waiters--
				if entry.waiters == 0 {
					delete(m.locks, customerID)
				}
				m.mu.Unlock()
				entry.ch <- struct{}{}
			})
		}
		return release, nil
	case <-timer.C:
		m.abandon(customerID, entry)
		log.Printf("[Lock] Customer %d: acquire timed out after %s", customerID, m.acquireTimeout)
		return nil, ErrCustomerBusy
	case <-ctx.Done():
		m.abandon(customerID, entry)
		return nil, ctx.Err()
	}
}

func (m *LockManager) abandon(customerID int, entry *customerLock) {
	m.mu.Lock()
	entry.waiters--
	if entry.waiters == 0 {
		delete(m.locks, customerID)
	}
	m.mu.Unlock()
}

// ExecuteWithLock runs fn inside the customer's critical section. The lock is
// always released, and fn's error propagates unchanged.
func (m *LockManager) ExecuteWithLock(ctx context.Context, customerID int, fn func(ctx context.Context) error) error {
	release, err := m.Acquire(ctx, customerID)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// ActiveLocks reports how many customers currently have a lock entry.
func (m *LockManager) ActiveLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
