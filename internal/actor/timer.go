package actor

import (
	"container/heap"
	"sync"
	"time"
)

// timerGate multiplexes every actor's single wake slot onto one goroutine
// sleeping until the globally earliest armed time. Arming a key replaces its
// previous entry; it never queues a second wake for the same key.
type timerGate struct {
	mu      sync.Mutex
	items   map[string]*wakeItem
	pending wakeHeap
	recheck chan struct{}
	done    chan struct{}
	once    sync.Once
	fire    func(key string)
}

type wakeItem struct {
	key   string
	at    time.Time
	index int
}

type wakeHeap []*wakeItem

func (h wakeHeap) Len() int           { return len(h) }
func (h wakeHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h wakeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *wakeHeap) Push(x any) {
	it := x.(*wakeItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *wakeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func newTimerGate(fire func(key string)) *timerGate {
	return &timerGate{
		items:   make(map[string]*wakeItem),
		recheck: make(chan struct{}, 1),
		done:    make(chan struct{}),
		fire:    fire,
	}
}

func (g *timerGate) arm(key string, at time.Time) {
	g.mu.Lock()
	if it, ok := g.items[key]; ok {
		it.at = at
		heap.Fix(&g.pending, it.index)
	} else {
		it := &wakeItem{key: key, at: at}
		g.items[key] = it
		heap.Push(&g.pending, it)
	}
	g.mu.Unlock()
	g.poke()
}

func (g *timerGate) cancel(key string) {
	g.mu.Lock()
	if it, ok := g.items[key]; ok {
		heap.Remove(&g.pending, it.index)
		delete(g.items, key)
	}
	g.mu.Unlock()
	g.poke()
}

func (g *timerGate) poke() {
	select {
	case g.recheck <- struct{}{}:
	default:
	}
}

func (g *timerGate) close() {
	g.once.Do(func() { close(g.done) })
}

// run fires due keys and sleeps until the next earliest wake. It exits when
// the gate is closed.
func (g *timerGate) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	stopTimer(timer)

	for {
		now := time.Now()
		var due []string
		g.mu.Lock()
		for g.pending.Len() > 0 && !g.pending[0].at.After(now) {
			it := heap.Pop(&g.pending).(*wakeItem)
			delete(g.items, it.key)
			due = append(due, it.key)
		}
		var wait time.Duration = -1
		if g.pending.Len() > 0 {
			wait = g.pending[0].at.Sub(now)
		}
		g.mu.Unlock()

		for _, key := range due {
			g.fire(key)
		}

		if wait < 0 {
			select {
			case <-g.recheck:
			case <-g.done:
				return
			}
			continue
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-g.recheck:
			stopTimer(timer)
		case <-g.done:
			return
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
