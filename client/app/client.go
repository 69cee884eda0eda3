// Package app is a small stratum miner used to exercise a running proxy.
package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/logger"
	"github.com/JellyTony/kuproxy/protocol"
	"github.com/JellyTony/kuproxy/tcp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Options struct {
	Username string
	Password string
	// SubmitRate is the number of shares sent per second.
	SubmitRate  float64
	DialTimeout time.Duration
	// ExtranonceSubscribe sends mining.extranonce.subscribe after subscribing.
	ExtranonceSubscribe bool
}

type Client struct {
	conn    kuproxy.Conn
	opts    Options
	limiter *rate.Limiter

	mu          sync.Mutex
	nextID      int
	pending     map[int]string
	extranonce1 string
	ext2Size    int
	job         *protocol.NotifyParams
	difficulty  float64

	authorized atomic.Bool
	accepted   atomic.Int64
	rejected   atomic.Int64
}

func NewClient(conn kuproxy.Conn, opts Options) *Client {
	if opts.SubmitRate <= 0 {
		opts.SubmitRate = 1
	}
	return &Client{
		conn:    conn,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.SubmitRate), 1),
		nextID:  1,
		pending: make(map[int]string),
	}
}

// Connect dials a proxy listener.
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	conn, err := tcp.Dial(ctx, addr, opts.DialTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return NewClient(conn, opts), nil
}

func (c *Client) log() *logger.Entry {
	return logger.WithFields(logger.Fields{"module": "miner", "user": c.opts.Username})
}

func (c *Client) send(method string, params any) error {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.pending[id] = method
	c.mu.Unlock()
	data, err := protocol.NewRequest(&id, method, params)
	if err != nil {
		return err
	}
	return c.conn.WriteFrame(kuproxy.OpBinary, data)
}

// Run subscribes, authorizes and then submits shares for the current job
// until ctx is done or the connection fails.
func (c *Client) Run(ctx context.Context) error {
	frames := make(chan kuproxy.Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := c.conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			frames <- frame
		}
	}()

	if err := c.send(protocol.MethodSubscribe, protocol.SubscribeParams{UserAgent: "kuproxy-miner"}); err != nil {
		return err
	}
	if c.opts.ExtranonceSubscribe {
		if err := c.send(protocol.MethodExtranonceSubscribe, struct{}{}); err != nil {
			return err
		}
	}
	if err := c.send(protocol.MethodAuthorize, protocol.AuthorizeParams{Username: c.opts.Username, Password: c.opts.Password}); err != nil {
		return err
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case frame := <-frames:
			if err := c.handle(frame); err != nil {
				return err
			}
		case <-ticker.C:
			if !c.authorized.Load() || !c.limiter.Allow() {
				continue
			}
			if err := c.submit(); err != nil {
				return err
			}
		}
	}
}

func (c *Client) handle(frame kuproxy.Frame) error {
	switch frame.GetOpCode() {
	case kuproxy.OpPing:
		return c.conn.WriteFrame(kuproxy.OpPong, nil)
	case kuproxy.OpClose:
		return kuproxy.ErrConnectionClosed
	case kuproxy.OpBinary:
	default:
		return nil
	}
	var req protocol.Request
	if err := protocol.Decode(frame.GetPayload(), &req); err == nil && req.Method != "" {
		c.onNotification(&req)
		return nil
	}
	var resp protocol.Response
	if err := protocol.Decode(frame.GetPayload(), &resp); err != nil {
		c.log().WithError(err).Warn("undecodable frame")
		return nil
	}
	c.mu.Lock()
	method := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	return c.onResponse(method, &resp)
}

func (c *Client) onNotification(req *protocol.Request) {
	switch req.Method {
	case protocol.MethodNotify:
		var job protocol.NotifyParams
		if err := protocol.Decode(req.Params, &job); err != nil {
			return
		}
		c.mu.Lock()
		c.job = &job
		c.mu.Unlock()
		c.log().WithField("job_id", job.JobID).Info("job received")
	case protocol.MethodSetDifficulty:
		var p protocol.SetDifficultyParams
		if err := protocol.Decode(req.Params, &p); err != nil {
			return
		}
		c.mu.Lock()
		c.difficulty = p.Difficulty
		c.mu.Unlock()
		c.log().WithField("difficulty", p.Difficulty).Info("difficulty changed")
	case protocol.MethodSetExtranonce:
		var p protocol.SetExtranonceParams
		if err := protocol.Decode(req.Params, &p); err != nil {
			return
		}
		c.mu.Lock()
		c.extranonce1, c.ext2Size = p.Extranonce1, p.Extranonce2Size
		c.mu.Unlock()
		c.log().WithField("extranonce1", p.Extranonce1).Info("extranonce changed")
	}
}

func (c *Client) onResponse(method string, resp *protocol.Response) error {
	switch method {
	case protocol.MethodSubscribe:
		if resp.Error != nil {
			return errors.Errorf("subscribe refused: %s", resp.Error.Message)
		}
		var res protocol.SubscribeResult
		if err := protocol.Decode(resp.Result, &res); err != nil {
			return errors.Wrap(err, "subscribe result")
		}
		c.mu.Lock()
		c.extranonce1, c.ext2Size = res.Extranonce1, res.Extranonce2Size
		c.mu.Unlock()
		c.log().WithFields(logger.Fields{"extranonce1": res.Extranonce1, "extranonce2_size": res.Extranonce2Size}).Info("subscribed")
	case protocol.MethodAuthorize:
		var ok bool
		_ = protocol.Decode(resp.Result, &ok)
		if resp.Error != nil || !ok {
			return errors.Wrapf(kuproxy.ErrAuthorization, "user %s", c.opts.Username)
		}
		c.authorized.Store(true)
		c.log().Info("authorized")
	case protocol.MethodSubmit:
		sr := protocol.DecodeSubmitResponse(resp)
		if sr.Accepted {
			c.accepted.Add(1)
			c.log().WithField("id", sr.ID).Info("submit ok")
		} else {
			c.rejected.Add(1)
			msg := "rejected"
			if sr.Error != nil {
				msg = sr.Error.Message
			}
			c.log().WithField("id", sr.ID).Warnf("submit failed: %s", msg)
		}
	}
	return nil
}

func (c *Client) submit() error {
	c.mu.Lock()
	job, size := c.job, c.ext2Size
	c.mu.Unlock()
	if job == nil {
		return nil
	}
	return c.send(protocol.MethodSubmit, protocol.SubmitParams{
		WorkerName:  c.opts.Username,
		JobID:       job.JobID,
		Extranonce2: randHex(size),
		NTime:       job.NTime,
		Nonce:       randHex(4),
	})
}

// Shares returns the submit replies seen so far.
func (c *Client) Shares() (accepted, rejected int64) {
	return c.accepted.Load(), c.rejected.Load()
}

func (c *Client) Close() { _ = c.conn.Close() }

func randHex(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
