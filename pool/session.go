package pool

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/pkg/errors"
)

var errConnectionLost = &protocol.Error{Code: protocol.ErrCodeUnknown, Message: "pool connection lost"}

// envelope decodes any upstream message: a response when Method is empty.
type envelope struct {
	ID     *int            `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *protocol.Error `json:"error,omitempty"`
}

type handler interface {
	onSetDifficulty(params *protocol.SetDifficultyParams)
	onSetExtranonce(params *protocol.SetExtranonceParams)
	onNotify(params *protocol.NotifyParams)
}

// session is one live upstream connection with request/response correlation.
type session struct {
	conn    kuproxy.Conn
	h       handler
	timeout time.Duration
	nextID  atomic.Int64
	// authorized holds upstream worker names accepted during this session.
	authorized sync.Map

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[int]func(*protocol.Response)
	closed  bool
	done    chan struct{}
	once    sync.Once
}

func newSession(conn kuproxy.Conn, h handler, timeout time.Duration) *session {
	return &session{
		conn:    conn,
		h:       h,
		timeout: timeout,
		pending: make(map[int]func(*protocol.Response)),
		done:    make(chan struct{}),
	}
}

// call sends a request and hands the reply to cb. cb runs exactly once: with
// the reply, with a timeout error, or with a connection lost error.
func (s *session) call(method string, params any, cb func(*protocol.Response)) {
	id := int(s.nextID.Add(1))
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cb(&protocol.Response{ID: id, Error: errConnectionLost})
		return
	}
	s.pending[id] = cb
	s.mu.Unlock()

	data, err := protocol.NewRequest(&id, method, params)
	if err == nil {
		err = s.write(data)
	}
	if err != nil {
		if f := s.take(id); f != nil {
			f(&protocol.Response{ID: id, Error: &protocol.Error{Code: protocol.ErrCodeUnknown, Message: err.Error()}})
		}
		return
	}
	time.AfterFunc(s.timeout, func() {
		if f := s.take(id); f != nil {
			f(&protocol.Response{ID: id, Error: &protocol.Error{Code: protocol.ErrCodeUnknown, Message: "pool response timeout"}})
		}
	})
}

// roundTrip is call made synchronous.
func (s *session) roundTrip(ctx context.Context, method string, params any) (*protocol.Response, error) {
	ch := make(chan *protocol.Response, 1)
	s.call(method, params, func(r *protocol.Response) { ch <- r })
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) notify(method string, params any) error {
	data, err := protocol.NewRequest(nil, method, params)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *session) write(data []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteFrame(kuproxy.OpBinary, data); err != nil {
		return err
	}
	return s.conn.Flush()
}

func (s *session) take(id int) func(*protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.pending[id]
	if !ok {
		return nil
	}
	delete(s.pending, id)
	return f
}

// readLoop dispatches frames until the connection fails.
func (s *session) readLoop() error {
	for {
		frame, err := s.conn.ReadFrame()
		if err != nil {
			return err
		}
		switch frame.GetOpCode() {
		case kuproxy.OpClose:
			return errors.New("remote side close the connection")
		case kuproxy.OpPing:
			s.wmu.Lock()
			_ = s.conn.WriteFrame(kuproxy.OpPong, nil)
			s.wmu.Unlock()
			continue
		case kuproxy.OpBinary, kuproxy.OpText:
		default:
			continue
		}
		var msg envelope
		if err := protocol.Decode(frame.GetPayload(), &msg); err != nil {
			logger.WithFields(logger.Fields{"module": "pool", "error": err}).Warn("undecodable upstream message")
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *session) dispatch(msg *envelope) {
	if msg.Method == "" {
		if msg.ID == nil {
			return
		}
		if f := s.take(*msg.ID); f != nil {
			f(&protocol.Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
		}
		return
	}
	switch msg.Method {
	case protocol.MethodSetDifficulty:
		var p protocol.SetDifficultyParams
		if err := protocol.Decode(msg.Params, &p); err == nil {
			s.h.onSetDifficulty(&p)
		}
	case protocol.MethodSetExtranonce:
		var p protocol.SetExtranonceParams
		if err := protocol.Decode(msg.Params, &p); err == nil {
			s.h.onSetExtranonce(&p)
		}
	case protocol.MethodNotify:
		var p protocol.NotifyParams
		if err := protocol.Decode(msg.Params, &p); err == nil {
			s.h.onNotify(&p)
		}
	default:
		logger.WithFields(logger.Fields{"module": "pool", "method": msg.Method}).Debug("ignored upstream method")
	}
}

// close fails every pending call and closes the connection. Safe to repeat.
func (s *session) close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.pending
		s.pending = make(map[int]func(*protocol.Response))
		s.mu.Unlock()
		_ = s.conn.Close()
		close(s.done)
		for id, f := range pending {
			f(&protocol.Response{ID: id, Error: errConnectionLost})
		}
	})
}
