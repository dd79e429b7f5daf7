package chat

import "sync"

// LockTable serializes turn processing per session. Locks are created on
// first use and never evicted; sessions are few enough that the table
// stays small for the life of the process.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *LockTable) get(sessionID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[sessionID] = l
	}
	return l
}

// Lock blocks until the session's lock is held and returns the unlock.
func (t *LockTable) Lock(sessionID string) func() {
	l := t.get(sessionID)
	l.Lock()
	return l.Unlock
}
