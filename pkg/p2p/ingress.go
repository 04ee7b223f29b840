package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"p2p_presence/pkg/ratelimit"
)

const (
	// ControlProtocolID is the stream protocol for framed control and
	// data messages.
	ControlProtocolID = "/presence/control/1.0.0"

	// maxFrameSize bounds a single frame before any payload is parsed.
	maxFrameSize = 1 << 20

	// throttleBackoff is how long the read side stays paused after a
	// throttle verdict. Backpressure propagates to the sender through
	// the unread stream.
	throttleBackoff = 200 * time.Millisecond

	handleTimeout = 30 * time.Second
)

// frame is the wire form of one dispatched message.
type frame struct {
	Class   string `json:"class"`
	Payload []byte `json:"payload"`
}

// ServeDispatcher routes inbound control streams through the
// dispatcher. Throttled peers have their reads paused rather than
// their messages buffered; rejected peers get the stream reset.
func (hh *Host) ServeDispatcher(d *Dispatcher) {
	hh.host.SetStreamHandler(ControlProtocolID, func(s network.Stream) {
		defer s.Close()
		hh.serveStream(s, d)
	})
}

func (hh *Host) serveStream(s network.Stream, d *Dispatcher) {
	remote := s.Conn().RemotePeer()
	rd := msgio.NewVarintReaderSize(s, maxFrameSize)

	for {
		raw, err := rd.ReadMsg()
		if err != nil {
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			rd.ReleaseMsg(raw)
			hh.logger.Debug("Unparseable frame", zap.String("peer", remote.String()))
			s.Reset()
			return
		}

		env := Envelope{
			Peer:    remote,
			Class:   ratelimit.Class(f.Class),
			Payload: f.Payload,
		}
		rd.ReleaseMsg(raw)

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		err = d.Dispatch(ctx, env)
		cancel()

		switch {
		case errors.Is(err, ErrThrottled):
			time.Sleep(throttleBackoff)
		case errors.Is(err, ErrRejected):
			s.Reset()
			return
		}
	}
}

// SendControl opens a control stream to the peer and writes one frame.
func (hh *Host) SendControl(ctx context.Context, p peer.ID, class ratelimit.Class, payload []byte) error {
	s, err := hh.host.NewStream(ctx, p, ControlProtocolID)
	if err != nil {
		return err
	}
	defer s.Close()

	raw, err := json.Marshal(frame{Class: string(class), Payload: payload})
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(s).WriteMsg(raw)
}
