package kuproxy

import "github.com/pkg/errors"

var (
	// ErrNoPoolAvailable no stable pool matches the connection, or the named pool does not exist.
	ErrNoPoolAvailable = errors.New("no pool available")
	// ErrTooManyWorkers the pool has no free extranonce tail left.
	ErrTooManyWorkers = errors.New("too many workers on pool")
	// ErrChangeExtranonceNotSupported the worker did not subscribe to extranonce changes.
	ErrChangeExtranonceNotSupported = errors.New("extranonce change not supported")
	// ErrAuthorization credentials rejected locally or by the pool.
	ErrAuthorization = errors.New("authorization failed")
	// ErrBadParameter invalid administrative input.
	ErrBadParameter = errors.New("bad parameter")
	// ErrUnsupportedStrategy unknown pool switching strategy name.
	ErrUnsupportedStrategy = errors.New("unsupported pool switching strategy")
	// ErrPoolNotReady the pool has no active session or no current job.
	ErrPoolNotReady = errors.New("pool not ready")
	// ErrConnectionClosed the connection was closed while the operation was in flight.
	ErrConnectionClosed = errors.New("connection closed")
)
