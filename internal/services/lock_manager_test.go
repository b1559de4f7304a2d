package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockManager_MutualExclusion(t *testing.T) {
	manager := NewLockManager()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "two operations for one customer ran concurrently")
	assert.Equal(t, 0, manager.ActiveLocks(), "lock table should be empty once idle")
}

func TestLockManager_DistinctCustomersDoNotContend(t *testing.T) {
	manager := NewLockManager()
	ctx := context.Background()

	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})

	go func() {
		_ = manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error {
			close(firstEntered)
			<-releaseFirst
			return nil
		})
	}()

	<-firstEntered

	done := make(chan struct{})
	go func() {
		_ = manager.ExecuteWithLock(ctx, 2, func(ctx context.Context) error {
			return nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operation for a different customer blocked behind an unrelated lock")
	}
	close(releaseFirst)
}

func TestLockManager_ReleasedOnError(t *testing.T) {
	manager := NewLockManager()
	ctx := context.Background()

	wantErr := errors.New("boom")
	err := manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The lock must be free again.
	err = manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestLockManager_AcquireTimeout(t *testing.T) {
	manager := NewLockManager()
	manager.acquireTimeout = 20 * time.Millisecond
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	err := manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrCustomerBusy)
	close(release)
}

func TestLockManager_ContextCancelled(t *testing.T) {
	manager := NewLockManager()

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = manager.ExecuteWithLock(context.Background(), 1, func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := manager.ExecuteWithLock(ctx, 1, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}
