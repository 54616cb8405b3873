package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/sdp/v3"
)

// fakePeerConnection is the reference PeerConnection used by this package's
// own tests: an in-memory offer/answer engine good enough to exercise every
// NegotiationQueue code path without any real media stack. SDP bodies are
// built and parsed with github.com/pion/sdp/v3, mirroring the teacher's
// pkg/manager_media/sdp_utils.go use of the sibling pion/sdp v1 package.
type fakePeerConnection struct {
	mu sync.Mutex

	name     string
	sessID   int64
	signal   SignalingState
	gathering ICEGatheringState
	local    string
	remote   string

	failCreateOffer  bool
	failCreateAnswer bool
	failSetLocal     bool
	failSetRemote    bool

	candidateCb atomic.Value // func(interface{})
	gatherCb    atomic.Value // func(ICEGatheringState)
}

func newFakePeerConnection(name string) *fakePeerConnection {
	return &fakePeerConnection{
		name:      name,
		sessID:    1,
		signal:    SignalingStable,
		gathering: ICEGatheringNew,
	}
}

func (f *fakePeerConnection) buildSDP(kind string) string {
	f.sessID++
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       f.name,
			SessionID:      uint64(f.sessID),
			SessionVersion: uint64(f.sessID),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: sdp.SessionName(kind),
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: 49170},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0"},
				},
				Attributes: []sdp.Attribute{{Key: "rtpmap", Value: "0 PCMU/8000"}},
			},
		},
	}
	raw, err := desc.Marshal()
	if err != nil {
		return fmt.Sprintf("v=0\r\no=%s %d %d IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", f.name, f.sessID, f.sessID, kind)
	}
	return string(raw)
}

func (f *fakePeerConnection) CreateOffer(ctx context.Context, constraints interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateOffer {
		return "", fmt.Errorf("fakePeerConnection: createOffer failed")
	}
	f.local = f.buildSDP("offer")
	f.signal = SignalingHaveLocalOffer
	return f.local, nil
}

func (f *fakePeerConnection) CreateAnswer(ctx context.Context, constraints interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateAnswer {
		return "", fmt.Errorf("fakePeerConnection: createAnswer failed")
	}
	f.local = f.buildSDP("answer")
	return f.local, nil
}

func (f *fakePeerConnection) SetLocalDescription(ctx context.Context, desc SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetLocal {
		return fmt.Errorf("fakePeerConnection: setLocalDescription failed")
	}
	f.local = desc.SDP
	if desc.Type == SDPTypeAnswer {
		f.signal = SignalingStable
	}
	f.gathering = ICEGatheringGathering
	go f.completeGathering()
	return nil
}

func (f *fakePeerConnection) SetRemoteDescription(ctx context.Context, desc SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSetRemote {
		return fmt.Errorf("fakePeerConnection: setRemoteDescription failed")
	}
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("fakePeerConnection: invalid remote SDP: %w", err)
	}
	f.remote = desc.SDP
	if desc.Type == SDPTypeOffer {
		f.signal = SignalingHaveRemoteOffer
	} else {
		f.signal = SignalingStable
	}
	return nil
}

func (f *fakePeerConnection) completeGathering() {
	f.mu.Lock()
	f.gathering = ICEGatheringComplete
	cb, _ := f.gatherCb.Load().(func(ICEGatheringState))
	f.mu.Unlock()
	if cb != nil {
		cb(ICEGatheringComplete)
	}
}

func (f *fakePeerConnection) SignalingState() SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signal
}

func (f *fakePeerConnection) ICEGatheringState() ICEGatheringState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gathering
}

func (f *fakePeerConnection) LocalDescriptionSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePeerConnection) OnICECandidate(cb func(candidate interface{})) {
	f.candidateCb.Store(cb)
}

func (f *fakePeerConnection) OnICEGatheringStateChange(cb func(state ICEGatheringState)) {
	f.gatherCb.Store(cb)
}
