package service

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// userLocks serializes aggregate writers per user. Writers for different
// users never share a mutex, so they do not block one another.
type userLocks struct {
	mu    sync.Mutex
	locks map[snowflake.ID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[snowflake.ID]*userLock)}
}

// Acquire blocks until the caller holds the user's lock and returns the
// release function. Entries are dropped once the last holder releases,
// keeping the map bounded by the number of in-flight writers.
func (l *userLocks) Acquire(userID snowflake.ID) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &userLock{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
