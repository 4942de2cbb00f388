package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// fakeSession is the Session type returned by fakeFactory: a distinct
// pointer per Open call so the registry can key on identity.
type fakeSession struct {
	id int64
}

// fakeFactory is an in-memory Factory double. It never touches a real
// database; it just counts opens/closes/validations so tests can assert
// on the pool's behavior around them.
type fakeFactory struct {
	mu sync.Mutex

	nextID int64

	opens  atomic.Int64
	closes atomic.Int64

	openErr     error
	validateErr func(*fakeSession) error

	invalid map[*fakeSession]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{invalid: make(map[*fakeSession]bool)}
}

func (f *fakeFactory) Open(ctx context.Context) (Session, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opens.Add(1)
	id := atomic.AddInt64(&f.nextID, 1)
	return &fakeSession{id: id}, nil
}

func (f *fakeFactory) Validate(ctx context.Context, session Session) error {
	s := session.(*fakeSession)
	f.mu.Lock()
	bad := f.invalid[s]
	f.mu.Unlock()
	if bad {
		return fmt.Errorf("fake: session %d marked invalid", s.id)
	}
	if f.validateErr != nil {
		return f.validateErr(s)
	}
	return nil
}

func (f *fakeFactory) Close(session Session, rollback bool) {
	f.closes.Add(1)
}

func (f *fakeFactory) Describe() string { return "fake" }

func (f *fakeFactory) markInvalid(s *fakeSession) {
	f.mu.Lock()
	f.invalid[s] = true
	f.mu.Unlock()
}
