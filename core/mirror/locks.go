package mirror

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ticketLock serves holders strictly in the order they asked for it.
type ticketLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	serving uint64
	next    uint64
	refs    int
}

// addressLocks hands out one FIFO lock per escrow address. Entries are
// dropped once nobody holds or waits for them.
type addressLocks struct {
	mu    sync.Mutex
	locks map[common.Address]*ticketLock
}

func newAddressLocks() *addressLocks {
	return &addressLocks{locks: make(map[common.Address]*ticketLock)}
}

func (l *addressLocks) acquire(addr common.Address) func() {
	l.mu.Lock()
	lk, ok := l.locks[addr]
	if !ok {
		lk = &ticketLock{}
		lk.cond = sync.NewCond(&lk.mu)
		l.locks[addr] = lk
	}
	lk.refs++
	lk.mu.Lock()
	ticket := lk.next
	lk.next++
	lk.mu.Unlock()
	l.mu.Unlock()

	lk.mu.Lock()
	for lk.serving != ticket {
		lk.cond.Wait()
	}
	lk.mu.Unlock()

	return func() {
		lk.mu.Lock()
		lk.serving++
		lk.cond.Broadcast()
		lk.mu.Unlock()

		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, addr)
		}
		l.mu.Unlock()
	}
}
