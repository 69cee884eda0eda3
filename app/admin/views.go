package admin

import (
	"sort"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/app/strategy"
	"github.com/JellyTony/kuproxy/model"
	"github.com/hako/durafmt"
)

type PoolView struct {
	Name             string     `json:"name"`
	Host             string     `json:"host"`
	State            string     `json:"state"`
	Ready            bool       `json:"ready"`
	Enabled          bool       `json:"enabled"`
	Priority         *int       `json:"priority"`
	Weight           int        `json:"weight"`
	Difficulty       float64    `json:"difficulty"`
	Extranonce1      string     `json:"extranonce1"`
	Extranonce2Size  int        `json:"extranonce2_size"`
	NumberOfSubmit   int        `json:"number_of_submit"`
	Connections      int        `json:"connections"`
	Accepted         uint64     `json:"accepted"`
	Rejected         uint64     `json:"rejected"`
	AcceptedHashrate float64    `json:"accepted_hashrate"`
	RejectedHashrate float64    `json:"rejected_hashrate"`
	UpSince          *time.Time `json:"up_since,omitempty"`
	Uptime           string     `json:"uptime,omitempty"`
}

type UserView struct {
	Name             string    `json:"name"`
	Connections      int       `json:"connections"`
	Accepted         uint64    `json:"accepted"`
	Rejected         uint64    `json:"rejected"`
	AcceptedHashrate float64   `json:"accepted_hashrate"`
	RejectedHashrate float64   `json:"rejected_hashrate"`
	LastShare        time.Time `json:"last_share"`
	CreatedAt        time.Time `json:"created_at"`
}

type ConnectionView struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Remote   string   `json:"remote"`
	Pool     string   `json:"pool,omitempty"`
	Tail     string   `json:"tail,omitempty"`
	Workers  []string `json:"workers"`
	Accepted uint64   `json:"accepted"`
	Rejected uint64   `json:"rejected"`
}

type StrategyView struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters"`
	Details     map[string]string `json:"details"`
	Available   []string          `json:"available"`
}

// humanDuration keeps the two most significant units, e.g. "2 hours 5 minutes".
func humanDuration(d time.Duration) string {
	return durafmt.Parse(d.Truncate(time.Second)).LimitFirstN(2).String()
}

func poolView(p kuproxy.Pool, connections int, now time.Time) PoolView {
	ext1, ext2 := p.Extranonce()
	acc, rej := p.ShareStats().Counts()
	accRate, rejRate := p.ShareStats().Hashrates(now)
	v := PoolView{
		Name:             p.Name(),
		Host:             p.Host(),
		State:            p.State().String(),
		Ready:            p.IsReady(),
		Enabled:          p.Enabled(),
		Priority:         p.Priority(),
		Weight:           p.Weight(),
		Difficulty:       p.Difficulty(),
		Extranonce1:      ext1,
		Extranonce2Size:  ext2,
		NumberOfSubmit:   p.NumberOfSubmit(),
		Connections:      connections,
		Accepted:         acc,
		Rejected:         rej,
		AcceptedHashrate: accRate,
		RejectedHashrate: rejRate,
	}
	if up := p.UpSince(); !up.IsZero() {
		v.UpSince = &up
		v.Uptime = humanDuration(now.Sub(up))
	}
	return v
}

func userView(u *model.User, now time.Time) UserView {
	acc, rej := u.ShareStats().Counts()
	accRate, rejRate := u.ShareStats().Hashrates(now)
	return UserView{
		Name:             u.Name(),
		Connections:      len(u.Connections()),
		Accepted:         acc,
		Rejected:         rej,
		AcceptedHashrate: accRate,
		RejectedHashrate: rejRate,
		LastShare:        u.ShareStats().LastShareTime(),
		CreatedAt:        u.CreatedAt(),
	}
}

func connectionView(c kuproxy.WorkerConnection) ConnectionView {
	acc, rej := c.ShareStats().Counts()
	v := ConnectionView{
		ID:       c.ID(),
		Name:     c.ConnectionName(),
		Remote:   c.RemoteAddress(),
		Tail:     c.ExtranonceTail(),
		Workers:  make([]string, 0),
		Accepted: acc,
		Rejected: rej,
	}
	if p := c.Pool(); p != nil {
		v.Pool = p.Name()
	}
	for name := range c.AuthorizedWorkers() {
		v.Workers = append(v.Workers, name)
	}
	sort.Strings(v.Workers)
	return v
}

func strategyView(m strategy.Manager) StrategyView {
	return StrategyView{
		Name:        m.Name(),
		Description: m.Description(),
		Parameters:  m.ConfigurationParameters(),
		Details:     m.Details(),
		Available:   strategy.Names(),
	}
}
