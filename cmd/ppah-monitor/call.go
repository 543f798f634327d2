package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/hazyhaar/ppah/engine"
	"github.com/hazyhaar/ppah/peerlink"
	"github.com/hazyhaar/ppah/signaling"
)

const statusLabel = "ppah-status"

type signalSender interface {
	SendPayload(typ string, v any) error
}

// callPeer answers the other room member's offer. Its connection state
// feeds the link, and once the remote side opens the status channel every
// session snapshot is mirrored onto it.
type callPeer struct {
	pc     *webrtc.PeerConnection
	signal signalSender
	logger *slog.Logger

	mu      sync.Mutex
	dc      *webrtc.DataChannel
	pending []webrtc.ICECandidateInit
	remote  bool
}

func newCallPeer(link *peerlink.Link, signal signalSender, stun []string, logger *slog.Logger) (*callPeer, error) {
	var cfg webrtc.Configuration
	if len(stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("peer connection: %w", err)
	}
	p := &callPeer{pc: pc, signal: signal, logger: logger}
	link.Watch(pc)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := signal.SendPayload(signaling.TypeCandidate, c.ToJSON()); err != nil {
			logger.Warn("monitor: send candidate", "error", err)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != statusLabel {
			return
		}
		p.mu.Lock()
		p.dc = dc
		p.mu.Unlock()
		logger.Info("monitor: status channel opened by peer")
	})
	return p, nil
}

// handle applies one signaling message. It runs on the Follow goroutine.
func (p *callPeer) handle(m signaling.Message) error {
	switch m.Type {
	case signaling.TypeOffer:
		var offer webrtc.SessionDescription
		if err := json.Unmarshal(m.Payload, &offer); err != nil {
			return fmt.Errorf("offer: %w", err)
		}
		if err := p.pc.SetRemoteDescription(offer); err != nil {
			return fmt.Errorf("offer: %w", err)
		}
		answer, err := p.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("answer: %w", err)
		}
		if err := p.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("answer: %w", err)
		}
		if err := p.signal.SendPayload(signaling.TypeAnswer, answer); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}
		return p.flushCandidates()

	case signaling.TypeCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(m.Payload, &c); err != nil {
			return fmt.Errorf("candidate: %w", err)
		}
		p.mu.Lock()
		if !p.remote {
			p.pending = append(p.pending, c)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()
		return p.pc.AddICECandidate(c)
	}
	return nil
}

// flushCandidates adds candidates that arrived before the offer.
func (p *callPeer) flushCandidates() error {
	p.mu.Lock()
	p.remote = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return fmt.Errorf("candidate: %w", err)
		}
	}
	return nil
}

// mirror sends snap on the status channel when it is open.
func (p *callPeer) mirror(snap engine.Snapshot) {
	p.mu.Lock()
	dc := p.dc
	p.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := dc.SendText(string(raw)); err != nil {
		p.logger.Debug("monitor: status channel send", "error", err)
	}
}

func (p *callPeer) Close() error { return p.pc.Close() }

// stopOnGone ends the session when the call ends. It returns once the
// session is torn down.
func stopOnGone(sess *engine.Session, logger *slog.Logger) func(reason string) {
	return func(reason string) {
		logger.Warn("monitor: call ended", "reason", reason)
		if err := sess.Stop(); err != nil {
			logger.Warn("monitor: stop", "error", err)
		}
	}
}
