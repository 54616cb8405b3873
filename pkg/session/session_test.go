package session

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Contact = "sip:local@127.0.0.1:5060"
	cfg.DisplayName = "Local"
	cfg.SessionTimers.Enabled = false // most scenarios don't exercise §4.4 directly
	return cfg
}

func newOutgoingTestSession(t *testing.T, transport *fakeTransport, pc PeerConnection) *Session {
	t.Helper()
	s := NewSession("test-call-id", DirectionOutgoing, testConfig(), transport, pc, GetDefaultLogger())
	t.Cleanup(s.Close)
	return s
}

// waitFor polls cond until it is true or the deadline lapses, since every
// Session mutation happens asynchronously on its own command goroutine.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

// --- S1: outgoing happy path ---

func TestOutgoingHappyPath(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	var confirmed bool
	s.On(EventConfirmed, func(interface{}) { confirmed = true })

	err := s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{})
	require.NoError(t, err)
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	assert.Equal(t, StatusInviteSent, s.Status())

	tx := transport.lastTx()
	require.NotNil(t, tx)
	req := transport.lastRequest()
	require.Equal(t, "INVITE", string(req.Method))

	tx.sendResponse(newUACResponse(req, 180, "Ringing", "tagB", "<sip:remote@127.0.0.1:5061>", ""))
	waitFor(t, func() bool { return s.Status() == Status1xxReceived })

	answerSDP := newFakePeerConnection("uas").buildSDP("answer")
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagB", "<sip:remote@127.0.0.1:5061>", answerSDP))

	waitFor(t, func() bool { return confirmed })
	assert.Equal(t, StatusConfirmed, s.Status())

	acks := transport.requestsOfMethod("ACK")
	require.Len(t, acks, 1)

	dlg, ok := s.registry.Confirmed()
	require.True(t, ok)
	assert.Equal(t, DialogStateConfirmed, dlg.State)
	assert.Equal(t, "tagB", dlg.Key.RemoteTag)
}

// --- S2: cancel before any response arrives, then a late 1xx ---

func TestCancelBeforeProvisional(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	var failed bool
	var failCause Cause
	s.On(EventFailed, func(p interface{}) {
		failed = true
		failCause = p.(FailedPayload).Cause
	})

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })

	require.NoError(t, s.Terminate(context.Background(), TerminateOptions{ReasonText: "user hung up"}))
	assert.True(t, s.isCanceled.Load())
	assert.False(t, failed, "terminate before any response must not finish the session yet")

	req := transport.lastRequest()
	tx := transport.lastTx()
	tx.sendResponse(newUACResponse(req, 180, "Ringing", "tagB", "", ""))

	waitFor(t, func() bool { return failed })
	assert.Equal(t, CauseCanceled, failCause)
	assert.Equal(t, StatusCanceled, s.Status())

	cancels := transport.requestsOfMethod("CANCEL")
	assert.Len(t, cancels, 1)
}

// --- S3: forked 2xx arrives after the first 2xx already confirmed the dialog ---

func TestForkedSecondFinalResponse(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	req := transport.lastRequest()
	tx := transport.lastTx()

	answerSDP := newFakePeerConnection("uasA").buildSDP("answer")
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagA", "<sip:remoteA@127.0.0.1:5061>", answerSDP))
	waitFor(t, func() bool { return s.Status() == StatusConfirmed })

	byesBefore := len(transport.requestsOfMethod("BYE"))
	forkSDP := newFakePeerConnection("uasB").buildSDP("answer")
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagB", "<sip:remoteB@127.0.0.1:5061>", forkSDP))

	waitFor(t, func() bool { return len(transport.requestsOfMethod("BYE")) > byesBefore })
	acks := transport.requestsOfMethod("ACK")
	assert.Len(t, acks, 2, "both the winning and the forked 2xx must each be ACKed")

	dlg, ok := s.registry.Confirmed()
	require.True(t, ok)
	assert.Equal(t, "tagA", dlg.Key.RemoteTag, "the forked branch must not displace the already-confirmed dialog")
}

// --- S4: inbound call with a late offer (no SDP on the initial INVITE) ---

func TestInboundLateSDP(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uas")
	s := NewSession("inbound-call-id", DirectionIncoming, testConfig(), transport, pc, GetDefaultLogger())
	t.Cleanup(s.Close)

	req := newInboundInvite("inbound-call-id", "tagCaller", "sip:caller@127.0.0.1:5061", "sip:local@127.0.0.1:5060", "")
	tx := newFakeServerTransaction()
	s.AdmitInvite(context.Background(), req, tx)

	waitFor(t, func() bool { return s.Status() == StatusWaitingForAnswer })
	assert.True(t, s.lateSDP)

	require.NoError(t, s.Answer(context.Background(), nil, AnswerOptions{}))
	waitFor(t, func() bool { return s.Status() == StatusWaitingForAck })
	assert.Equal(t, 1, tx.responseCount())
	assert.Equal(t, sip.StatusCode(200), tx.lastResponse().StatusCode)

	dlg, ok := s.registry.Confirmed()
	require.True(t, ok)
	assert.Equal(t, RoleUAS, dlg.Role)

	ack := sip.NewRequest(sip.ACK, req.Recipient)
	ack.AppendHeader(sip.NewHeader("Call-ID", "inbound-call-id"))
	ack.SetBody([]byte(newFakePeerConnection("caller").buildSDP("answer")))

	var confirmed bool
	s.On(EventConfirmed, func(interface{}) { confirmed = true })
	s.ReceiveRequest(context.Background(), ack, nil)

	waitFor(t, func() bool { return confirmed })
	assert.Equal(t, StatusConfirmed, s.Status())
}

// --- S5: renegotiate is ineligible while a reinvite is already pending ---

func TestRenegotiateIneligibleWhilePending(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	req := transport.lastRequest()
	tx := transport.lastTx()
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagB", "<sip:remote@127.0.0.1:5061>", newFakePeerConnection("uas").buildSDP("answer")))
	waitFor(t, func() bool { return s.Status() == StatusConfirmed })

	dlg, ok := s.registry.Confirmed()
	require.True(t, ok)

	// Connect already drove the queue through WaitICEReady before returning,
	// so RTCReady is already true here; only the pending-reply flag gates
	// eligibility in this test.
	s.post(func() { dlg.UASPendingReply = true })
	eligible := s.Renegotiate(context.Background(), RenegotiateOptions{})
	assert.False(t, eligible, "a dialog with a pending in-dialog reply must reject renegotiation")

	s.post(func() { dlg.UASPendingReply = false })
	eligible = s.Renegotiate(context.Background(), RenegotiateOptions{})
	assert.True(t, eligible, "once the pending reply clears renegotiation should be accepted")
}

// --- S6: a non-refresher session timer expiring terminates the call ---

func TestSessionTimerWatchdogExpiry(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	req := transport.lastRequest()
	tx := transport.lastTx()
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagB", "<sip:remote@127.0.0.1:5061>", newFakePeerConnection("uas").buildSDP("answer")))
	waitFor(t, func() bool { return s.Status() == StatusConfirmed })

	var ended bool
	var cause Cause
	s.On(EventEnded, func(p interface{}) {
		ended = true
		cause = p.(EndedPayload).Cause
	})

	s.post(func() {
		s.handleTimerFired(TimeoutEvent{Kind: TimeoutKindSessionWatchdog})
	})

	waitFor(t, func() bool { return ended })
	assert.Equal(t, CauseRequestTimeout, cause)
	assert.Equal(t, StatusTerminated, s.Status())
}

// --- universal invariants (spec §8) ---

func TestEndedAndFailedAreMutuallyExclusiveAndFireAtMostOnce(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	var endedCount, failedCount int
	s.On(EventEnded, func(interface{}) { endedCount++ })
	s.On(EventFailed, func(interface{}) { failedCount++ })

	s.post(func() {
		s.finish(context.Background(), OriginatorLocal, CauseBye, 0, false)
		s.finish(context.Background(), OriginatorLocal, CauseInternalError, 0, true) // must be a no-op
	})

	assert.Equal(t, 1, endedCount)
	assert.Equal(t, 0, failedCount)
}

func TestNoEventsAfterTerminated(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	var progressCount int
	s.On(EventProgress, func(interface{}) { progressCount++ })

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	req := transport.lastRequest()
	tx := transport.lastTx()

	tx.sendResponse(newUACResponse(req, 600, "Busy Everywhere", "", "", ""))
	waitFor(t, func() bool { return s.Status() == StatusTerminated })

	tx.sendResponse(newUACResponse(req, 180, "Ringing", "tagLate", "", ""))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, progressCount, "a terminal session must not process further responses")
}

func TestPeerConnectionOpsAreSerialized(t *testing.T) {
	pc := newFakePeerConnection("uac")
	queue := NewNegotiationQueue(pc)
	defer queue.Close()

	const n = 20
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			sdp, err := queue.CreateOffer(context.Background(), nil)
			require.NoError(t, err)
			results <- sdp
		}()
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		sdp := <-results
		assert.False(t, seen[sdp], "each concurrent createOffer must observe a distinct serialized SDP")
		seen[sdp] = true
	}
}

func TestRetransmit2xxDoublesUpToT2(t *testing.T) {
	tm := NewTimerManager("sess", func(TimeoutEvent) {})
	tm.ArmRetransmit(0)
	tm.mu.Lock()
	h := tm.handles[nameRetransmit]
	tm.mu.Unlock()
	require.NotNil(t, h)
	assert.Equal(t, TimerT1, h.interval, "the first arm fires at T1")

	tm.ArmRetransmit(1)
	tm.mu.Lock()
	h = tm.handles[nameRetransmit]
	tm.mu.Unlock()
	require.NotNil(t, h)
	assert.Equal(t, 2*TimerT1, h.interval, "each re-arm doubles the interval")

	tm.ArmRetransmit(5) // attempt 5 -> T1<<5 would exceed T2, must be capped
	tm.mu.Lock()
	h = tm.handles[nameRetransmit]
	tm.mu.Unlock()
	require.NotNil(t, h)
	assert.Equal(t, TimerT2, h.interval, "the interval is capped at T2")
	tm.CancelAll()
}

func TestDTMFEnqueueIsIdempotentWhileDraining(t *testing.T) {
	transport := newFakeTransport()
	pc := newFakePeerConnection("uac")
	s := newOutgoingTestSession(t, transport, pc)

	require.NoError(t, s.Connect(context.Background(), "sip:remote@127.0.0.1:5061", pc.buildSDP("offer"), ConnectOptions{}))
	waitFor(t, func() bool { return transport.requestCount() >= 1 })
	req := transport.lastRequest()
	tx := transport.lastTx()
	tx.sendResponse(newUACResponse(req, 200, "OK", "tagB", "<sip:remote@127.0.0.1:5061>", newFakePeerConnection("uas").buildSDP("answer")))
	waitFor(t, func() bool { return s.Status() == StatusConfirmed })

	require.NoError(t, s.SendDTMF(context.Background(), "1", SendDTMFOptions{}))
	require.NoError(t, s.SendDTMF(context.Background(), "2", SendDTMFOptions{}))

	waitFor(t, func() bool { return len(transport.requestsOfMethod("INFO")) >= 2 })
	infos := transport.requestsOfMethod("INFO")
	assert.Len(t, infos, 2, "queued tones must each produce exactly one INFO, not be dropped or duplicated")
}
