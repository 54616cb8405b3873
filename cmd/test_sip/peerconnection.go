package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/sdp/v3"

	"github.com/arzzra/sipsession/pkg/session"
)

// staticPeerConnection is a minimal PeerConnection for this manual harness:
// it offers and answers with one fixed PCMU audio line rather than driving
// a real media engine, the same narrowing the teacher's own cmd/test_sip
// made by hand-formatting a single audio m-line SDP string. Grounded on
// pkg/session's own fakePeerConnection and pkg/manager_media/sdp_utils.go's
// sdp.SessionDescription construction.
type staticPeerConnection struct {
	mu sync.Mutex

	username string
	addr     string
	sessID   int64

	signal    session.SignalingState
	gathering session.ICEGatheringState
	local     string
	remote    string

	candidateCb atomic.Value // func(interface{})
	gatherCb    atomic.Value // func(session.ICEGatheringState)
}

func newStaticPeerConnection(username, listenAddr string) *staticPeerConnection {
	return &staticPeerConnection{
		username:  username,
		addr:      extractIP(listenAddr),
		sessID:    1,
		signal:    session.SignalingStable,
		gathering: session.ICEGatheringNew,
	}
}

func (p *staticPeerConnection) buildSDP(kind string) string {
	p.sessID++
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       p.username,
			SessionID:      uint64(p.sessID),
			SessionVersion: uint64(p.sessID),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.addr,
		},
		SessionName: sdp.SessionName(kind),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.addr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 5004},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []sdp.Attribute{{Key: "rtpmap", Value: "0 PCMU/8000"}},
			},
		},
	}
	raw, err := desc.Marshal()
	if err != nil {
		return fmt.Sprintf("v=0\r\no=%s %d %d IN IP4 %s\r\ns=-\r\nc=IN IP4 %s\r\nt=0 0\r\n", p.username, p.sessID, p.sessID, p.addr, p.addr)
	}
	return string(raw)
}

func (p *staticPeerConnection) CreateOffer(ctx context.Context, constraints interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = p.buildSDP("offer")
	p.signal = session.SignalingHaveLocalOffer
	return p.local, nil
}

func (p *staticPeerConnection) CreateAnswer(ctx context.Context, constraints interface{}) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = p.buildSDP("answer")
	return p.local, nil
}

func (p *staticPeerConnection) SetLocalDescription(ctx context.Context, desc session.SessionDescription) error {
	p.mu.Lock()
	p.local = desc.SDP
	if desc.Type == session.SDPTypeAnswer {
		p.signal = session.SignalingStable
	}
	p.gathering = session.ICEGatheringGathering
	p.mu.Unlock()
	go p.completeGathering()
	return nil
}

func (p *staticPeerConnection) SetRemoteDescription(ctx context.Context, desc session.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("staticPeerConnection: invalid remote SDP: %w", err)
	}
	p.remote = desc.SDP
	if desc.Type == session.SDPTypeOffer {
		p.signal = session.SignalingHaveRemoteOffer
	} else {
		p.signal = session.SignalingStable
	}
	return nil
}

func (p *staticPeerConnection) completeGathering() {
	p.mu.Lock()
	p.gathering = session.ICEGatheringComplete
	cb, _ := p.gatherCb.Load().(func(session.ICEGatheringState))
	p.mu.Unlock()
	if cb != nil {
		cb(session.ICEGatheringComplete)
	}
}

func (p *staticPeerConnection) SignalingState() session.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signal
}

func (p *staticPeerConnection) ICEGatheringState() session.ICEGatheringState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gathering
}

func (p *staticPeerConnection) LocalDescriptionSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *staticPeerConnection) OnICECandidate(cb func(candidate interface{})) {
	p.candidateCb.Store(cb)
}

func (p *staticPeerConnection) OnICEGatheringStateChange(cb func(state session.ICEGatheringState)) {
	p.gatherCb.Store(cb)
}
