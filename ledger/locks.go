package ledger

import "sync"

// lockSet hands out one mutex per account id and forgets it once no
// goroutine holds or waits on it.
type lockSet struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{locks: make(map[string]*refMutex)}
}

// lock blocks until id is exclusively held and returns the release func.
func (s *lockSet) lock(id string) func() {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &refMutex{}
		s.locks[id] = m
	}
	m.refs++
	s.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		s.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *lockSet) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
