// Package peerlink turns the end of a call into a single teardown signal.
// A call ends when the WebRTC peer connection fails, closes or drops, or
// when the signaling room reports that the other peer left. Whichever comes
// first fires the callback; later events are ignored.
//
//	link := peerlink.New(func(reason string) { sess.Stop() })
//	link.Watch(pc)
//	go link.Follow(ctx, client.Messages(), handle)
package peerlink

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hazyhaar/ppah/signaling"
)

// Teardown reasons.
const (
	ReasonFailed       = "peer connection failed"
	ReasonClosed       = "peer connection closed"
	ReasonDisconnected = "peer disconnected"
	ReasonPeerLeft     = "peer left the room"
)

// GoneReason maps a connection state to a teardown reason. The empty
// string means the peer is still reachable.
func GoneReason(s webrtc.PeerConnectionState) string {
	switch s {
	case webrtc.PeerConnectionStateFailed:
		return ReasonFailed
	case webrtc.PeerConnectionStateClosed:
		return ReasonClosed
	case webrtc.PeerConnectionStateDisconnected:
		return ReasonDisconnected
	}
	return ""
}

// Link fires its callback at most once.
type Link struct {
	onGone func(reason string)
	once   sync.Once
	done   chan struct{}

	mu     sync.Mutex
	reason string
}

// New returns a link calling onGone on the first teardown event. onGone may
// be nil when the caller only waits on Done.
func New(onGone func(reason string)) *Link {
	return &Link{onGone: onGone, done: make(chan struct{})}
}

// Gone records reason and fires the callback, once.
func (l *Link) Gone(reason string) {
	l.once.Do(func() {
		l.mu.Lock()
		l.reason = reason
		l.mu.Unlock()
		close(l.done)
		if l.onGone != nil {
			l.onGone(reason)
		}
	})
}

// Done is closed after the first teardown event.
func (l *Link) Done() <-chan struct{} { return l.done }

// Reason returns the first teardown reason, or "".
func (l *Link) Reason() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Watch hooks the connection state of pc. It replaces any connection state
// handler already set on pc.
func (l *Link) Watch(pc *webrtc.PeerConnection) {
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if reason := GoneReason(s); reason != "" {
			l.Gone(reason)
		}
	})
}

// Follow reads signaling messages until ctx ends, msgs closes or the other
// peer leaves. Every other message goes to forward, which may be nil. A
// closed signaling channel is not a teardown: the media path may still be
// up.
func (l *Link) Follow(ctx context.Context, msgs <-chan signaling.Message, forward func(signaling.Message)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.Type == signaling.TypePeerLeft {
				l.Gone(ReasonPeerLeft)
				return
			}
			if forward != nil {
				forward(m)
			}
		}
	}
}
