package worker

import (
	"context"

	kuproxy "github.com/JellyTony/kuproxy"
	"github.com/JellyTony/kuproxy/protocol"
)

// Handler is the routing core a worker connection reports to.
type Handler interface {
	// OnSubscribeRequest picks a pool and binds conn to it.
	OnSubscribeRequest(conn kuproxy.WorkerConnection, req *protocol.SubscribeParams) (kuproxy.Pool, error)
	// CheckAuthorization applies the local ban policy only.
	CheckAuthorization(conn kuproxy.WorkerConnection, req *protocol.AuthorizeParams) error
	OnAuthorizeRequest(ctx context.Context, conn kuproxy.WorkerConnection, req *protocol.AuthorizeParams) error
	OnSubmitRequest(conn kuproxy.WorkerConnection, req *protocol.SubmitRequest)
	UpdatePoolForConnection(ctx context.Context, conn kuproxy.WorkerConnection)
	OnWorkerDisconnection(conn kuproxy.WorkerConnection, cause error)
}
