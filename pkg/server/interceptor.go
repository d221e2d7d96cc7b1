package server

import (
	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/protocol"
)

// OpContext carries the request context the pipeline builds before
// interceptors run.
type OpContext struct {
	SessionID      string
	Principal      *auth.Principal
	Authenticated  bool
	FromCluster    bool
	OriginSenderID string
}

// Interceptor is the capability interface for op and connection hooks.
// Implementations embed NopInterceptor and override what they need; missing
// capabilities are no-ops.
type Interceptor interface {
	// OnBeforeOp may transform the op, return nil to silently drop it, or
	// return an error to reject it.
	OnBeforeOp(ctx *OpContext, op *protocol.Op) (*protocol.Op, error)
	// OnAfterOp observes a successfully applied op. Fire-and-forget.
	OnAfterOp(ctx *OpContext, op *protocol.Op, event *protocol.Event)
	// OnConnect observes a newly registered session.
	OnConnect(sessionID string)
	// OnDisconnect observes a session close before cleanup completes.
	OnDisconnect(sessionID string)
}

// NopInterceptor provides the no-op defaults.
type NopInterceptor struct{}

func (NopInterceptor) OnBeforeOp(_ *OpContext, op *protocol.Op) (*protocol.Op, error) {
	return op, nil
}
func (NopInterceptor) OnAfterOp(*OpContext, *protocol.Op, *protocol.Event) {}
func (NopInterceptor) OnConnect(string)                                    {}
func (NopInterceptor) OnDisconnect(string)                                 {}
