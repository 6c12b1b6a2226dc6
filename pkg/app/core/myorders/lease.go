package myorders

import "github.com/uhyunpark/democrit/pkg/app/core"

// Locker is the locking surface of the registry.
type Locker interface {
	TryLock(id string) (core.Order, bool)
	Unlock(id string)
}

// Lease is a scoped order lock:
//
//	lease, ok := myorders.Acquire(locks, id)
//	if !ok { ... }
//	defer lease.Release()
//	... commit the trade ...
//	lease.Keep()
//
// Release unlocks the order unless Keep was called.
type Lease struct {
	locks Locker
	id    string
	order core.Order
	done  bool
}

func Acquire(l Locker, id string) (*Lease, bool) {
	o, ok := l.TryLock(id)
	if !ok {
		return nil, false
	}
	return &Lease{locks: l, id: id, order: o}, true
}

func (l *Lease) Order() core.Order { return l.order }

// Keep leaves the order locked after the scope ends. Whoever keeps it is
// responsible for unlocking or removing it later.
func (l *Lease) Keep() { l.done = true }

func (l *Lease) Release() {
	if l == nil || l.done {
		return
	}
	l.done = true
	l.locks.Unlock(l.id)
}
