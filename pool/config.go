package pool

import (
	"strings"
	"time"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/pkg/errors"
)

const (
	DefaultRetryDelay      = 5 * time.Second
	DefaultStabilityPeriod = 30 * time.Second
	DefaultResponseTimeout = 10 * time.Second
	DefaultTailSize        = 1
	DefaultSeparator       = "."
	maxTailSize            = 4
)

// Config describes one upstream pool.
type Config struct {
	Name     string
	Host     string
	User     string
	Password string
	// Priority nil means no priority. Lower is preferred.
	Priority *int
	Weight   int
	Enabled  bool

	// AppendWorkerNames authorizes every worker upstream as User+WorkerNameSeparator+worker.
	AppendWorkerNames   bool
	WorkerNameSeparator string
	// UseWorkerPassword forwards the worker's own password upstream.
	UseWorkerPassword   bool
	ExtranonceSubscribe bool
	// NumberOfSubmit is how many times each share is forwarded.
	NumberOfSubmit int

	StabilityPeriod time.Duration
	RetryDelay      time.Duration
	ResponseTimeout time.Duration
	// TailSize is the number of extranonce2 bytes reserved to tell workers apart.
	TailSize int
}

// Validate checks the fields an administrator must supply.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.Wrap(kuproxy.ErrBadParameter, "pool host is empty")
	}
	if !c.AppendWorkerNames && c.User == "" {
		return errors.Wrap(kuproxy.ErrBadParameter, "pool user is required when worker names are not appended")
	}
	if !c.UseWorkerPassword && c.Password == "" {
		return errors.Wrap(kuproxy.ErrBadParameter, "pool password is required when worker passwords are not used")
	}
	if c.Priority != nil && *c.Priority < 0 {
		return errors.Wrapf(kuproxy.ErrBadParameter, "pool priority %d is negative", *c.Priority)
	}
	if c.TailSize < 0 || c.TailSize > maxTailSize {
		return errors.Wrapf(kuproxy.ErrBadParameter, "tail size must be between 0 and %d", maxTailSize)
	}
	return nil
}

// withDefaults fills unset durations and sizes. The name defaults to the host.
func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = c.Host
	}
	if c.WorkerNameSeparator == "" {
		c.WorkerNameSeparator = DefaultSeparator
	}
	if c.NumberOfSubmit < 1 {
		c.NumberOfSubmit = 1
	}
	if c.StabilityPeriod <= 0 {
		c.StabilityPeriod = DefaultStabilityPeriod
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.TailSize == 0 {
		c.TailSize = DefaultTailSize
	}
	if c.Weight <= 0 {
		c.Weight = 1
	}
	return c
}
