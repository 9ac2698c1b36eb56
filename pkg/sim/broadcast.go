package sim

import (
	"sync"
	"sync/atomic"
)

// Subscription is one consumer of a match's push snapshots. The channel is
// bounded and newest-wins: a slow subscriber loses intermediate frames but
// never the latest state.
type Subscription struct {
	ID      uint64
	MatchID uint64
	C       <-chan *Snapshot

	ch chan *Snapshot
}

// broadcaster fans captured snapshots out to per-subscriber channels.
// Publishing never blocks the tick executor.
type broadcaster struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	subs   map[uint64]map[uint64]*Subscription // match id → sub id → sub
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[uint64]map[uint64]*Subscription)}
}

const subscriberBuffer = 4

func (b *broadcaster) subscribe(matchID uint64) *Subscription {
	ch := make(chan *Snapshot, subscriberBuffer)
	sub := &Subscription{
		ID:      b.nextID.Add(1),
		MatchID: matchID,
		C:       ch,
		ch:      ch,
	}
	b.mu.Lock()
	if b.subs[matchID] == nil {
		b.subs[matchID] = make(map[uint64]*Subscription)
	}
	b.subs[matchID][sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if m, ok := b.subs[sub.MatchID]; ok {
		delete(m, sub.ID)
		if len(m) == 0 {
			delete(b.subs, sub.MatchID)
		}
	}
	b.mu.Unlock()
}

// hasSubscribers lets the tick loop skip snapshot capture for matches
// nobody is watching.
func (b *broadcaster) hasSubscribers(matchID uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[matchID]) > 0
}

func (b *broadcaster) publish(snap *Snapshot) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[snap.MatchID] {
		for {
			select {
			case sub.ch <- snap:
				// delivered
			default:
				// Full: drop the oldest frame and retry so the newest
				// snapshot always lands.
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (b *broadcaster) dropMatch(matchID uint64) {
	b.mu.Lock()
	for _, sub := range b.subs[matchID] {
		close(sub.ch)
	}
	delete(b.subs, matchID)
	b.mu.Unlock()
}
