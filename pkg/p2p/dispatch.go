package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"p2p_presence/pkg/metrics"
	"p2p_presence/pkg/ratelimit"
	"p2p_presence/pkg/security"
)

var (
	// ErrThrottled signals backpressure; the transport pauses the
	// peer's read side instead of buffering.
	ErrThrottled = errors.New("message throttled")
	// ErrRejected is returned for discouraged peers.
	ErrRejected = errors.New("message rejected")
	// ErrMalformed is returned by handlers for unparseable payloads.
	ErrMalformed = errors.New("malformed message")
	// ErrIntegrity is returned by handlers for failed proof or
	// signature checks.
	ErrIntegrity = errors.New("integrity check failed")
)

// Envelope is one framed, size-prechecked message: the class and
// length are known before any payload is touched.
type Envelope struct {
	Peer    peer.ID
	Class   ratelimit.Class
	Payload []byte
}

// HandlerFunc processes one admitted message.
type HandlerFunc func(context.Context, Envelope) error

// Dispatcher is the pre-dispatch gate every inbound message passes:
// rate limit charge, payload byte reservation, handler, behavior
// bookkeeping.
type Dispatcher struct {
	limiter  *ratelimit.Limiter
	behavior *security.BehaviorTracker
	handlers map[ratelimit.Class]HandlerFunc
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher creates an empty dispatcher. The metrics may be nil.
func NewDispatcher(limiter *ratelimit.Limiter, behavior *security.BehaviorTracker, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		limiter:  limiter,
		behavior: behavior,
		handlers: make(map[ratelimit.Class]HandlerFunc),
		metrics:  m,
		logger:   logger,
	}
}

// Handle registers the handler for a message class.
func (d *Dispatcher) Handle(class ratelimit.Class, fn HandlerFunc) {
	d.handlers[class] = fn
}

// Dispatch admits and processes one message. Throttle and reject
// verdicts surface as errors so the transport can apply flow control;
// nothing is queued locally past the payload reservation.
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	switch d.limiter.Admit(env.Peer, env.Class, 1) {
	case ratelimit.Throttle:
		if d.metrics != nil {
			d.metrics.Throttles.Inc()
		}
		return ErrThrottled
	case ratelimit.Reject:
		if d.metrics != nil {
			d.metrics.Rejects.Inc()
		}
		return ErrRejected
	}

	size := int64(len(env.Payload))
	if !d.limiter.ReservePayload(env.Peer, size) {
		if d.metrics != nil {
			d.metrics.Throttles.Inc()
		}
		return ErrThrottled
	}
	defer d.limiter.ReleasePayload(env.Peer, size)

	fn, ok := d.handlers[env.Class]
	if !ok {
		fn, ok = d.handlers[ratelimit.ClassDefault]
		if !ok {
			return fmt.Errorf("no handler for class %s", env.Class)
		}
	}

	err := fn(ctx, env)
	switch {
	case err == nil:
		d.behavior.Record(env.Peer, security.ValidMessage)
	case errors.Is(err, ErrMalformed):
		d.behavior.Record(env.Peer, security.MalformedMessage)
	case errors.Is(err, ErrIntegrity):
		d.behavior.Record(env.Peer, security.IntegrityError)
	}
	return err
}
