// Package pooltest provides an in-memory kuproxy.Pool for tests.
package pooltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/model"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/pkg/errors"
)

// Fake is a pool whose state is set by the test. It starts ready and stable.
type Fake struct {
	name  string
	stats *model.ShareStats

	mu             sync.Mutex
	priority       *int
	enabled        bool
	state          kuproxy.PoolState
	ready          bool
	difficulty     float64
	extranonce1    string
	extranonce2    int
	tailSize       int
	numberOfSubmit int
	job            *protocol.NotifyParams
	tails          map[string]struct{}
	nextTail       int
	maxTails       int
	authorizeErr   error
	authorized     []string
	submits        []*protocol.SubmitRequest
	suggested      []float64
	reply          func(req *protocol.SubmitRequest) *protocol.SubmitResponse
	started        int
	stopped        int
}

var _ kuproxy.Pool = (*Fake)(nil)

func New(name string) *Fake {
	return &Fake{
		name:           name,
		stats:          model.NewShareStats(time.Minute),
		enabled:        true,
		state:          kuproxy.PoolStable,
		ready:          true,
		difficulty:     1,
		extranonce1:    "abcd",
		extranonce2:    4,
		tailSize:       1,
		numberOfSubmit: 1,
		job:            &protocol.NotifyParams{JobID: "1"},
		tails:          make(map[string]struct{}),
		maxTails:       256,
	}
}

// WithPriority is a chaining helper for table setups.
func (f *Fake) WithPriority(p int) *Fake {
	f.SetPriority(p)
	return f
}

func (f *Fake) Name() string                  { return f.name }
func (f *Fake) Host() string                  { return f.name + ":3333" }
func (f *Fake) Weight() int                   { return 1 }
func (f *Fake) ShareStats() *model.ShareStats { return f.stats }

func (f *Fake) Priority() *int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priority == nil {
		return nil
	}
	v := *f.priority
	return &v
}

func (f *Fake) SetPriority(p int) {
	f.mu.Lock()
	f.priority = &p
	f.mu.Unlock()
}

func (f *Fake) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *Fake) SetEnabled(enabled bool, owner kuproxy.PoolOwner) error {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
	if enabled {
		return f.Start(owner)
	}
	f.Stop("disabled")
	return nil
}

// SetState sets the state; UP and STABLE make the pool ready, DOWN clears it.
func (f *Fake) SetState(s kuproxy.PoolState) {
	f.mu.Lock()
	f.state = s
	f.ready = s >= kuproxy.PoolUp
	f.mu.Unlock()
}

func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *Fake) State() kuproxy.PoolState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *Fake) IsStable() bool { return f.State() == kuproxy.PoolStable }

func (f *Fake) UpSince() time.Time { return time.Time{} }

func (f *Fake) SetDifficulty(d float64) {
	f.mu.Lock()
	f.difficulty = d
	f.mu.Unlock()
}

func (f *Fake) Difficulty() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.difficulty
}

func (f *Fake) SetNumberOfSubmit(n int) {
	f.mu.Lock()
	f.numberOfSubmit = n
	f.mu.Unlock()
}

func (f *Fake) NumberOfSubmit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numberOfSubmit
}

func (f *Fake) Extranonce() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.extranonce1, f.extranonce2
}

func (f *Fake) TailSize() int { return f.tailSize }

// SetMaxTails caps how many workers can be bound at once.
func (f *Fake) SetMaxTails(n int) {
	f.mu.Lock()
	f.maxTails = n
	f.mu.Unlock()
}

func (f *Fake) AllocateTail() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tails) >= f.maxTails {
		return "", errors.Wrapf(kuproxy.ErrTooManyWorkers, "pool %s", f.name)
	}
	tail := fmt.Sprintf("%02x", f.nextTail)
	f.nextTail++
	f.tails[tail] = struct{}{}
	return tail, nil
}

func (f *Fake) ReleaseTail(tail string) {
	f.mu.Lock()
	delete(f.tails, tail)
	f.mu.Unlock()
}

// TailsInUse counts allocated tails.
func (f *Fake) TailsInUse() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tails)
}

func (f *Fake) SetJob(job *protocol.NotifyParams) {
	f.mu.Lock()
	f.job = job
	f.mu.Unlock()
}

func (f *Fake) CurrentJob() *protocol.NotifyParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.job.Sanitize()
}

// SetAuthorizeError makes AuthorizeWorker fail with err.
func (f *Fake) SetAuthorizeError(err error) {
	f.mu.Lock()
	f.authorizeErr = err
	f.mu.Unlock()
}

func (f *Fake) AuthorizeWorker(ctx context.Context, req *protocol.AuthorizeParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authorizeErr != nil {
		return f.authorizeErr
	}
	f.authorized = append(f.authorized, req.Username)
	return nil
}

// Authorized lists worker names authorized so far, in order.
func (f *Fake) Authorized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.authorized...)
}

// SetReply decides the pool reply to each submission. Default accepts.
func (f *Fake) SetReply(reply func(req *protocol.SubmitRequest) *protocol.SubmitResponse) {
	f.mu.Lock()
	f.reply = reply
	f.mu.Unlock()
}

func (f *Fake) SubmitShare(req *protocol.SubmitRequest, cb kuproxy.SubmitCallback) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	reply := f.reply
	f.mu.Unlock()
	resp := &protocol.SubmitResponse{ID: req.ID, Accepted: true}
	if reply != nil {
		resp = reply(req)
	}
	cb(req, resp)
}

// Submits lists every forwarded submission.
func (f *Fake) Submits() []*protocol.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.SubmitRequest(nil), f.submits...)
}

func (f *Fake) SuggestDifficulty(d float64) error {
	f.mu.Lock()
	f.suggested = append(f.suggested, d)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Suggested() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.suggested...)
}

func (f *Fake) Start(owner kuproxy.PoolOwner) error {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Stop(reason string) {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

// Lifecycle returns how many times Start and Stop were called.
func (f *Fake) Lifecycle() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}
