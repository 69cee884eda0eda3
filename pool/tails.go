package pool

import (
	"fmt"
	"sync"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

// tails hands out unique fixed width hex prefixes of extranonce2.
type tails struct {
	mu    sync.Mutex
	size  int
	limit uint64
	next  uint64
	used  map[string]struct{}
}

func newTails(size int) *tails {
	return &tails{size: size, limit: uint64(1) << (8 * uint(size)), used: make(map[string]struct{})}
}

func (t *tails) allocate() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(t.used)) >= t.limit {
		return "", errors.Wrapf(kuproxy.ErrTooManyWorkers, "all %d extranonce tails in use", t.limit)
	}
	for {
		tail := fmt.Sprintf("%0*x", t.size*2, t.next)
		t.next = (t.next + 1) % t.limit
		if _, ok := t.used[tail]; !ok {
			t.used[tail] = struct{}{}
			return tail, nil
		}
	}
}

func (t *tails) release(tail string) {
	t.mu.Lock()
	delete(t.used, tail)
	t.mu.Unlock()
}

func (t *tails) inUse() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.used)
}
