package authkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ascent-team/ascent-core/internal/token"
)

// MemorySessionStore is an in-memory session store intended for tests and dev.
type MemorySessionStore struct {
	mutex   sync.Mutex
	entries map[uint64]memoryEntry
	clock   token.Clock
}

type memoryEntry struct {
	RefreshToken string
	ExpiresAt    time.Time
}

// NewMemorySessionStore creates an empty store; a nil clock uses the wall clock.
func NewMemorySessionStore(clock token.Clock) *MemorySessionStore {
	if clock == nil {
		clock = token.SystemClock()
	}
	return &MemorySessionStore{
		entries: make(map[uint64]memoryEntry),
		clock:   clock,
	}
}

// Put replaces the entry for userID.
func (store *MemorySessionStore) Put(ctx context.Context, userID uint64, refreshToken string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("session_store.put.memory: %w", ErrSessionInvalidTTL)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.purgeExpiredLocked()
	store.entries[userID] = memoryEntry{
		RefreshToken: refreshToken,
		ExpiresAt:    store.clock.Now().Add(ttl),
	}
	return nil
}

// Get returns the live entry for userID.
func (store *MemorySessionStore) Get(ctx context.Context, userID uint64) (string, bool, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	entry, ok := store.entries[userID]
	if !ok {
		return "", false, nil
	}
	if !store.clock.Now().Before(entry.ExpiresAt) {
		delete(store.entries, userID)
		return "", false, nil
	}
	return entry.RefreshToken, true, nil
}

// Delete removes the entry for userID if present.
func (store *MemorySessionStore) Delete(ctx context.Context, userID uint64) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	delete(store.entries, userID)
	return nil
}

func (store *MemorySessionStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for userID, entry := range store.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(store.entries, userID)
		}
	}
}
