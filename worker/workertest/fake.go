// Package workertest provides an in-memory kuproxy.WorkerConnection for tests.
package workertest

import (
	"sync"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/pkg/errors"
)

// Disconnector hears about closed connections.
type Disconnector interface {
	OnWorkerDisconnection(conn kuproxy.WorkerConnection, cause error)
}

// Fake records everything pushed to it. Rebinding honours the pool's tail
// capacity and the extranonce subscription flag like a real connection.
type Fake struct {
	id    string
	port  int
	owner Disconnector
	stats *model.ShareStats

	mu                sync.Mutex
	pool              kuproxy.Pool
	tail              string
	workers           map[string]string
	extranonceSupport bool
	closed            bool
	closeCount        int
	rebinds           int
	difficulties      []float64
	jobs              []*protocol.NotifyParams
	extranonceChanges int
	responses         []*protocol.SubmitResponse
}

var _ kuproxy.WorkerConnection = (*Fake)(nil)

func New(id string, owner Disconnector) *Fake {
	return &Fake{id: id, owner: owner, stats: model.NewShareStats(0), workers: make(map[string]string), extranonceSupport: true}
}

func (f *Fake) ID() string                    { return f.id }
func (f *Fake) ConnectionName() string        { return "10.0.0.1:" + f.id }
func (f *Fake) RemoteAddress() string         { return "10.0.0.1" }
func (f *Fake) ShareStats() *model.ShareStats { return f.stats }

// SetLocalPort sets the listening port the connection arrived on.
func (f *Fake) SetLocalPort(port int) { f.port = port }

func (f *Fake) LocalPort() (int, bool) { return f.port, f.port > 0 }

// Authorize adds a credential without going through any pool.
func (f *Fake) Authorize(name, password string) *Fake {
	f.mu.Lock()
	f.workers[name] = password
	f.mu.Unlock()
	return f
}

func (f *Fake) SetExtranonceSupport(ok bool) {
	f.mu.Lock()
	f.extranonceSupport = ok
	f.mu.Unlock()
}

func (f *Fake) Pool() kuproxy.Pool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool
}

func (f *Fake) AuthorizedWorkers() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.workers))
	for k, v := range f.workers {
		out[k] = v
	}
	return out
}

func (f *Fake) ExtranonceTail() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail
}

func (f *Fake) RebindToPool(pool kuproxy.Pool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return kuproxy.ErrConnectionClosed
	}
	if f.pool == pool {
		return nil
	}
	if f.pool != nil && !f.extranonceSupport {
		return errors.Wrap(kuproxy.ErrChangeExtranonceNotSupported, f.id)
	}
	tail, err := pool.AllocateTail()
	if err != nil {
		return err
	}
	if f.pool != nil {
		f.pool.ReleaseTail(f.tail)
	}
	f.pool, f.tail = pool, tail
	f.rebinds++
	return nil
}

// Rebinds counts successful pool changes.
func (f *Fake) Rebinds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rebinds
}

func (f *Fake) Close() {
	f.mu.Lock()
	f.closeCount++
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	if f.owner != nil {
		f.owner.OnWorkerDisconnection(f, kuproxy.ErrConnectionClosed)
	}
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) OnPoolDifficultyChanged(params *protocol.SetDifficultyParams) {
	f.mu.Lock()
	f.difficulties = append(f.difficulties, params.Difficulty)
	f.mu.Unlock()
}

func (f *Fake) Difficulties() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.difficulties...)
}

func (f *Fake) OnPoolNotify(params *protocol.NotifyParams) {
	f.mu.Lock()
	f.jobs = append(f.jobs, params)
	f.mu.Unlock()
}

func (f *Fake) Jobs() []*protocol.NotifyParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.NotifyParams(nil), f.jobs...)
}

func (f *Fake) OnPoolExtranonceChange() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.extranonceSupport {
		return errors.Wrap(kuproxy.ErrChangeExtranonceNotSupported, f.id)
	}
	f.extranonceChanges++
	return nil
}

func (f *Fake) ExtranonceChanges() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extranonceChanges
}

func (f *Fake) OnPoolSubmitResponse(req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
	f.mu.Lock()
	f.responses = append(f.responses, resp)
	f.mu.Unlock()
}

func (f *Fake) Responses() []*protocol.SubmitResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.SubmitResponse(nil), f.responses...)
}
