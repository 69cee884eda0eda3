package pool

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/JellyTony/kuproxy/tcp"
	"github.com/pkg/errors"
)

type recordingOwner struct{ events chan string }

func newRecordingOwner() *recordingOwner { return &recordingOwner{events: make(chan string, 64)} }

func (o *recordingOwner) OnPoolStateChange(p kuproxy.Pool) { o.events <- "state:" + p.State().String() }
func (o *recordingOwner) OnPoolStable(p kuproxy.Pool)      { o.events <- "stable" }
func (o *recordingOwner) OnPoolSetDifficulty(p kuproxy.Pool, params *protocol.SetDifficultyParams) {
	o.events <- "difficulty"
}
func (o *recordingOwner) OnPoolSetExtranonce(p kuproxy.Pool, params *protocol.SetExtranonceParams) {
	o.events <- "extranonce:" + params.Extranonce1
}
func (o *recordingOwner) OnPoolNotify(p kuproxy.Pool, params *protocol.NotifyParams) {
	o.events <- "notify:" + params.JobID
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

// fakeUpstream answers the handshake and records every request it sees.
type fakeUpstream struct {
	conn        *tcp.Conn
	mu          sync.Mutex
	submits     []protocol.SubmitParams
	authorized  []string
	answerShare bool
}

func (u *fakeUpstream) send(data []byte) { _ = u.conn.WriteFrame(kuproxy.OpBinary, data) }

func (u *fakeUpstream) serve() {
	for {
		f, err := u.conn.ReadFrame()
		if err != nil {
			return
		}
		var msg envelope
		if err := protocol.Decode(f.GetPayload(), &msg); err != nil || msg.ID == nil {
			continue
		}
		switch msg.Method {
		case protocol.MethodSubscribe:
			data, _ := protocol.NewResult(*msg.ID, protocol.SubscribeResult{Extranonce1: "abcd", Extranonce2Size: 4})
			u.send(data)
		case protocol.MethodAuthorize:
			var p protocol.AuthorizeParams
			_ = protocol.Decode(msg.Params, &p)
			u.mu.Lock()
			u.authorized = append(u.authorized, p.Username)
			u.mu.Unlock()
			data, _ := protocol.NewResult(*msg.ID, true)
			u.send(data)
			data, _ = protocol.NewRequest(nil, protocol.MethodSetDifficulty, protocol.SetDifficultyParams{Difficulty: 8})
			u.send(data)
			data, _ = protocol.NewRequest(nil, protocol.MethodNotify, protocol.NotifyParams{JobID: "j1", CleanJobs: true})
			u.send(data)
		case protocol.MethodSubmit:
			var p protocol.SubmitParams
			_ = protocol.Decode(msg.Params, &p)
			u.mu.Lock()
			u.submits = append(u.submits, p)
			answer := u.answerShare
			u.mu.Unlock()
			if answer {
				data, _ := protocol.NewResult(*msg.ID, true)
				u.send(data)
			}
		}
	}
}

func pipeDialer(up *fakeUpstream) Dialer {
	return func(ctx context.Context, host string, timeout time.Duration) (kuproxy.Conn, error) {
		server, client := net.Pipe()
		up.conn = tcp.NewConn(server)
		go up.serve()
		return tcp.NewConn(client), nil
	}
}

func newTestPool(t *testing.T, up *fakeUpstream, stability time.Duration) *Pool {
	t.Helper()
	p, err := New(Config{
		Name:            "p1@eu",
		Host:            "pool.example:3333",
		User:            "acct",
		Password:        "x",
		Enabled:         true,
		StabilityPeriod: stability,
		RetryDelay:      time.Hour,
	}, WithDialer(pipeDialer(up)))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPoolLifecycle(t *testing.T) {
	up := &fakeUpstream{answerShare: true}
	p := newTestPool(t, up, 50*time.Millisecond)
	owner := newRecordingOwner()
	if err := p.Start(owner); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Stop("test done") })

	waitFor(t, owner.events, "state:UP")
	if !p.IsReady() {
		t.Fatal("pool should be ready once up")
	}
	waitFor(t, owner.events, "stable")
	if !p.IsStable() {
		t.Fatal("pool should be stable")
	}
	if p.Difficulty() != 8 {
		t.Fatalf("difficulty = %v", p.Difficulty())
	}
	if job := p.CurrentJob(); job == nil || job.JobID != "j1" {
		t.Fatalf("current job = %+v", job)
	}
	ext1, size := p.Extranonce()
	if ext1 != "abcd" || size != 4 {
		t.Fatalf("extranonce = %s/%d", ext1, size)
	}

	got := make(chan *protocol.SubmitResponse, 1)
	p.SubmitShare(&protocol.SubmitRequest{ID: 7, SubmitParams: protocol.SubmitParams{WorkerName: "rig1", JobID: "j1"}}, func(req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
		got <- resp
	})
	select {
	case resp := <-got:
		if !resp.Accepted || resp.ID != 7 {
			t.Fatalf("unexpected reply %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no submit reply")
	}
	up.mu.Lock()
	if len(up.submits) != 1 || up.submits[0].WorkerName != "acct" {
		t.Fatalf("upstream submits = %+v", up.submits)
	}
	up.mu.Unlock()

	_ = up.conn.Close()
	waitFor(t, owner.events, "state:DOWN")
	if p.IsReady() {
		t.Fatal("pool should not be ready after disconnect")
	}
}

func TestPoolPendingSubmitRejectedOnDisconnect(t *testing.T) {
	up := &fakeUpstream{}
	p := newTestPool(t, up, time.Hour)
	owner := newRecordingOwner()
	_ = p.Start(owner)
	t.Cleanup(func() { p.Stop("test done") })
	waitFor(t, owner.events, "state:UP")

	got := make(chan *protocol.SubmitResponse, 2)
	p.SubmitShare(&protocol.SubmitRequest{ID: 3}, func(req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
		got <- resp
	})
	deadline := time.Now().Add(2 * time.Second)
	for {
		up.mu.Lock()
		n := len(up.submits)
		up.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("submit never reached upstream")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = up.conn.Close()
	select {
	case resp := <-got:
		if resp.Accepted || resp.Error == nil || resp.Error.Message != "pool connection lost" {
			t.Fatalf("unexpected reply %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending submit never answered")
	}
	select {
	case resp := <-got:
		t.Fatalf("callback ran twice: %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPoolAppendWorkerNames(t *testing.T) {
	up := &fakeUpstream{}
	p, err := New(Config{
		Host:              "pool.example:3333",
		User:              "acct",
		AppendWorkerNames: true,
		UseWorkerPassword: true,
		Enabled:           true,
		StabilityPeriod:   time.Hour,
		RetryDelay:        time.Hour,
	}, WithDialer(pipeDialer(up)))
	if err != nil {
		t.Fatal(err)
	}
	owner := newRecordingOwner()
	_ = p.Start(owner)
	t.Cleanup(func() { p.Stop("test done") })
	if p.Name() != "pool.example:3333" {
		t.Fatalf("name should default to host, got %s", p.Name())
	}

	// No pool-level authorize happens, so the fake never sends a job: the
	// session is live but the pool is not ready.
	deadline := time.Now().Add(2 * time.Second)
	for p.State() != kuproxy.PoolConnecting || !p.hasSession() {
		if time.Now().After(deadline) {
			t.Fatal("session never established")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.AuthorizeWorker(context.Background(), &protocol.AuthorizeParams{Username: "rig1", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	if err := p.AuthorizeWorker(context.Background(), &protocol.AuthorizeParams{Username: "rig1", Password: "pw"}); err != nil {
		t.Fatal(err)
	}
	up.mu.Lock()
	defer up.mu.Unlock()
	if len(up.authorized) != 1 || up.authorized[0] != "acct.rig1" {
		t.Fatalf("upstream authorizations = %v", up.authorized)
	}
}

func TestSubmitToNotReadyPool(t *testing.T) {
	p, err := New(Config{Host: "h:1", User: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	var calls int
	p.SubmitShare(&protocol.SubmitRequest{ID: 9}, func(req *protocol.SubmitRequest, resp *protocol.SubmitResponse) {
		calls++
		if resp.Accepted || resp.Error == nil || resp.Error.Code != protocol.ErrCodeUnknown || resp.ID != 9 {
			t.Fatalf("unexpected reply %+v", resp)
		}
	})
	if calls != 1 {
		t.Fatalf("callback ran %d times", calls)
	}
	if err := p.SuggestDifficulty(16); !errors.Is(err, kuproxy.ErrPoolNotReady) {
		t.Fatalf("expected ErrPoolNotReady, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	neg := -1
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"empty host", Config{User: "u", Password: "p"}, false},
		{"missing user", Config{Host: "h:1", Password: "p"}, false},
		{"missing password", Config{Host: "h:1", User: "u"}, false},
		{"negative priority", Config{Host: "h:1", User: "u", Password: "p", Priority: &neg}, false},
		{"worker names and passwords", Config{Host: "h:1", AppendWorkerNames: true, UseWorkerPassword: true}, true},
		{"complete", Config{Host: "h:1", User: "u", Password: "p"}, true},
	}
	for _, c := range cases {
		err := c.cfg.Validate()
		if c.ok && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
		}
		if !c.ok && !errors.Is(err, kuproxy.ErrBadParameter) {
			t.Errorf("%s: expected ErrBadParameter, got %v", c.name, err)
		}
	}
}

func TestTailsExhaustion(t *testing.T) {
	tl := newTails(1)
	seen := make(map[string]struct{})
	for i := 0; i < 256; i++ {
		tail, err := tl.allocate()
		if err != nil {
			t.Fatal(err)
		}
		if len(tail) != 2 {
			t.Fatalf("tail %q has wrong width", tail)
		}
		if _, dup := seen[tail]; dup {
			t.Fatalf("tail %q handed out twice", tail)
		}
		seen[tail] = struct{}{}
	}
	if _, err := tl.allocate(); !errors.Is(err, kuproxy.ErrTooManyWorkers) {
		t.Fatalf("expected ErrTooManyWorkers, got %v", err)
	}
	tl.release("2a")
	tail, err := tl.allocate()
	if err != nil || tail != "2a" {
		t.Fatalf("expected released tail back, got %q %v", tail, err)
	}
}
