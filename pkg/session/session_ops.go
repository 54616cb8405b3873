package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ConnectOptions configures connect() (§4.1).
type ConnectOptions struct {
	DisplayName string
	Anonymous   bool
	NoAnswerTimeout time.Duration
}

// newInviteRequest builds the outgoing initial INVITE, grounded on
// dialog_internal.go's buildRequest but specialized to the first request of
// a dialog (no remote target/route-set to apply yet).
func (s *Session) newInviteRequest(target sip.Uri, sdp string, opts ConnectOptions) *sip.Request {
	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(sip.NewHeader("Call-ID", s.id))

	fromHeader := &sip.FromHeader{
		DisplayName: opts.DisplayName,
		Address:     s.localURI,
		Params:      sip.HeaderParams{"tag": s.fromTag},
	}
	req.AppendHeader(fromHeader)
	req.AppendHeader(&sip.ToHeader{Address: target})

	s.localSeq = 1
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	ApplyContact(req, s.contact)

	if s.sessionTimers.Enabled {
		ApplySessionExpiresRequest(req, int(s.sessionTimers.DefaultExpires.Seconds()), int(s.sessionTimers.MinSessionExpires.Seconds()), "uac")
	}

	if opts.Anonymous {
		ApplyAnonymousIdentity(req, s.localIdentity.URI)
	}

	req.SetBody([]byte(sdp))
	sdpContentHeaders(req, len(sdp))

	return req
}

// awaitLocalSDP finalizes a local description for §4.3's Media Negotiation
// Queue: it applies sdp as the local description, then blocks in
// WaitICEReady until gathering completes, an explicit ready() fires, or ctx
// is canceled, emitting icecandidate for every trickled candidate along the
// way. On success it emits sdp with the (possibly subscriber-mutated) final
// SDP and returns it; callers use this return value, not their own raw
// offer/answer, as what actually goes out on the wire.
func (s *Session) awaitLocalSDP(ctx context.Context, kind SDPType, sdp string) (string, error) {
	if err := s.queue.SetLocalDescription(ctx, SessionDescription{Type: kind, SDP: sdp}); err != nil {
		s.events.Emit(EventPCSetLocalFailed, PeerConnectionFailurePayload{Operation: "setLocalDescription", Err: err})
		return "", err
	}
	final, err := s.queue.WaitICEReady(ctx, func(candidate interface{}, ready ICECandidateReady) {
		s.postAsync(func() {
			s.events.Emit(EventICECandidate, ICECandidatePayload{Candidate: candidate, Ready: ready})
		})
	})
	if err != nil {
		return "", err
	}
	payload := SDPPayload{SDP: &final}
	s.events.Emit(EventSDP, payload)
	return *payload.SDP, nil
}

// Connect implements §4.1 connect(target, sdp, options): allowed only in
// NULL. Builds the INVITE, fires newRTCSession, then enqueues sending.
func (s *Session) Connect(ctx context.Context, target string, sdp string, opts ConnectOptions) error {
	var opErr error
	s.post(func() {
		if s.status() != StatusNull {
			opErr = ErrInvalidState("connect", string(s.status()))
			return
		}
		var uri sip.Uri
		if err := sip.ParseUri(target, &uri); err != nil {
			opErr = ErrInvalidArgument("connect", "malformed target URI: "+err.Error())
			return
		}

		finalSDP := sdp
		if s.queue != nil {
			negotiated, err := s.awaitLocalSDP(ctx, SDPTypeOffer, sdp)
			if err != nil {
				opErr = err
				return
			}
			finalSDP = negotiated
		}

		s.direction = DirectionOutgoing
		s.fromTag = NewTag()
		s.remoteURI = uri
		s.anonymous = opts.Anonymous

		req := s.newInviteRequest(uri, finalSDP, opts)
		s.request = req

		s.events.Emit(EventNewRTCSession, NewRTCSessionPayload{Originator: OriginatorLocal})

		noAnswer := opts.NoAnswerTimeout
		if noAnswer == 0 {
			noAnswer = s.config.NoAnswerTimeout
		}
		if noAnswer > 0 {
			s.timers.ArmNoAnswer(noAnswer)
		}

		s.sendInitialInvite(ctx, req)
	})
	return opErr
}

// sendInitialInvite transitions NULL->INVITE_SENT, emits connecting/sending,
// and dispatches the INVITE on a transaction, feeding its responses back to
// the session loop (§4.1: "On send: transitions NULL→INVITE_SENT; emits
// connecting, then sending").
func (s *Session) sendInitialInvite(ctx context.Context, req *sip.Request) {
	if err := s.transition(ctx, evSend); err != nil {
		return
	}
	s.events.Emit(EventConnecting, ConnectingPayload{Target: req.Recipient.String()})
	s.events.Emit(EventSending, SendingPayload{Request: req})

	tx, err := s.transport.TransactionRequest(ctx, req)
	if err != nil {
		s.finish(ctx, OriginatorLocal, CauseConnectionError, 0, true)
		return
	}
	s.watchInviteTransaction(ctx, tx, req)
}

// watchInviteTransaction drains tx's response channel in a background
// goroutine that only ever posts results back onto the session's command
// channel (§5: "peer-connection engine's own goroutines marshal their
// callbacks back onto the session's command channel").
func (s *Session) watchInviteTransaction(ctx context.Context, tx sip.ClientTransaction, req *sip.Request) {
	SafeGoroutine(ctx, "session.invite_tx", func() {
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				s.postAsync(func() { s.handleInviteResponse(ctx, res, req) })
			case <-tx.Done():
				return
			case <-s.stopCh:
				return
			}
		}
	}, nil)
}

// Answer implements §4.1 answer(sdp|constraints, options): allowed only in
// WAITING_FOR_ANSWER.
func (s *Session) Answer(ctx context.Context, sdpConstraints interface{}, opts AnswerOptions) error {
	var opErr error
	s.post(func() {
		if s.status() != StatusWaitingForAnswer {
			opErr = ErrInvalidState("answer", string(s.status()))
			return
		}
		s.doAnswer(ctx, sdpConstraints, opts)
	})
	return opErr
}

type AnswerOptions struct{}

func (s *Session) doAnswer(ctx context.Context, sdpConstraints interface{}, opts AnswerOptions) {
	if s.queue == nil {
		s.finish(ctx, OriginatorLocal, CauseInternalError, 500, true)
		return
	}
	// A late-SDP INVITE carried no offer, so the 200 carries a fresh local
	// offer and the ACK is expected to carry the answer.
	kind, failEvt, op, create := SDPTypeAnswer, EventPCCreateAnswerFailed, "createAnswer", s.queue.CreateAnswer
	if s.lateSDP {
		kind, failEvt, op, create = SDPTypeOffer, EventPCCreateOfferFailed, "createOffer", s.queue.CreateOffer
	}
	answerSDP, err := create(ctx, sdpConstraints)
	if err != nil {
		s.events.Emit(failEvt, PeerConnectionFailurePayload{Operation: op, Err: err})
		s.finish(ctx, OriginatorLocal, CauseWebRTCError, 500, true)
		return
	}
	finalSDP, err := s.awaitLocalSDP(ctx, kind, answerSDP)
	if err != nil {
		s.finish(ctx, OriginatorLocal, CauseWebRTCError, 500, true)
		return
	}

	res := sip.NewResponseFromRequest(s.request, 200, "OK", []byte(finalSDP))
	ApplyContact(res, s.contact)
	sdpContentHeaders(res, len(finalSDP))
	if s.sessionTimers.Enabled {
		// §4.4 incoming-request rule: adopt the admitting INVITE's
		// Session-Expires if present and >= MinSessionExpires, with its
		// refresher param (defaulting a missing param to uas, not
		// parseSessionExpires's uac default which is tuned for responses);
		// otherwise fall back to the configured default with refresher=uas.
		s.currentExpires = s.sessionTimers.DefaultExpires
		s.timerRefresher = true
		if hdr := s.request.GetHeader("Session-Expires"); hdr != nil {
			expires, refresher := parseSessionExpires(hdr.Value())
			if !strings.Contains(hdr.Value(), "refresher=") {
				refresher = "uas"
			}
			if expires >= s.sessionTimers.MinSessionExpires {
				s.currentExpires = expires
				s.timerRefresher = refresher == "uas"
			}
		}
		refresherLabel := "uac"
		if s.timerRefresher {
			refresherLabel = "uas"
		}
		ApplySessionExpiresResponse(res, int(s.currentExpires.Seconds()), refresherLabel)
	}

	if s.inviteTx != nil {
		if err := s.inviteTx.Respond(res); err != nil {
			s.finish(ctx, OriginatorLocal, CauseConnectionError, 500, true)
			return
		}
	}

	if err := s.transition(ctx, evAnswer); err != nil {
		return
	}

	dlg := NewEarlyDialog(uasDialogKey(s.id, s.fromTag, s.toTag), RoleUAS)
	if contact := s.request.GetHeader("Contact"); contact != nil {
		contactURI := extractURIFromContactHeader(contact.Value())
		dlg.RemoteTarget = contactURI.String()
	}
	s.registry.ConfirmDirect(dlg)

	s.timers.ArmRetransmit(0)
	s.timers.ArmAckWait()
	if s.sessionTimers.Enabled {
		s.timers.ArmSessionTimer(s.currentExpires, s.timerRefresher)
	}
}

// TerminateOptions configures terminate() (§4.1).
type TerminateOptions struct {
	StatusCode   int // Reason cause code, must be in [200,699] if set
	ReasonText   string
	ReasonProto  string
}

// Terminate implements §4.1 terminate(options): allowed in any
// non-TERMINATED state, behavior depends on current status.
func (s *Session) Terminate(ctx context.Context, opts TerminateOptions) error {
	var opErr error
	s.post(func() {
		if opts.StatusCode != 0 && (opts.StatusCode < 200 || opts.StatusCode > 699) {
			opErr = ErrInvalidArgument("terminate", "status_code must be in [200,699]")
			return
		}
		if s.status() == StatusTerminated {
			opErr = ErrInvalidState("terminate", string(s.status()))
			return
		}
		s.doTerminate(ctx, opts)
	})
	return opErr
}

func (s *Session) doTerminate(ctx context.Context, opts TerminateOptions) {
	switch s.status() {
	case StatusNull, StatusInviteSent:
		s.isCanceled.Store(true)
		s.cancelReason = opts.ReasonText
		s.cancelOutboundReq = s.request

	case Status1xxReceived:
		s.sendCancel(ctx, opts)
		_ = s.transition(ctx, evCancel)
		s.finish(ctx, OriginatorLocal, CauseCanceled, 0, true)

	case StatusWaitingForAck, StatusConfirmed:
		s.sendBye(ctx, opts)
		_ = s.transition(ctx, evTerminate)
		s.finish(ctx, OriginatorLocal, CauseBye, 0, false)

	default:
		_ = s.transition(ctx, evTerminate)
		s.finish(ctx, OriginatorLocal, CauseInternalError, 0, true)
	}
}

func (s *Session) sendCancel(ctx context.Context, opts TerminateOptions) {
	if s.request == nil {
		return
	}
	cancelReq := sip.NewRequest(sip.CANCEL, s.request.Recipient)
	cancelReq.AppendHeader(sip.NewHeader("Call-ID", s.id))
	if opts.ReasonText != "" || opts.StatusCode != 0 {
		ApplyReason(cancelReq, opts.ReasonProto, opts.StatusCode, opts.ReasonText)
	}
	_, _ = s.transport.TransactionRequest(ctx, cancelReq)
}

func (s *Session) sendBye(ctx context.Context, opts TerminateOptions) {
	dlg, ok := s.registry.Confirmed()
	if !ok {
		return
	}
	var target sip.Uri
	_ = sip.ParseUri(dlg.RemoteTarget, &target)
	byeReq := sip.NewRequest(sip.BYE, target)
	byeReq.AppendHeader(sip.NewHeader("Call-ID", s.id))
	s.localSeq++
	byeReq.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.BYE})
	if opts.ReasonText != "" || opts.StatusCode != 0 {
		ApplyReason(byeReq, opts.ReasonProto, opts.StatusCode, opts.ReasonText)
	}
	_, _ = s.transport.TransactionRequest(ctx, byeReq)
}

// dtmfToneRE validates sendDTMF's tones argument (§4.1): digits, A-D, R
// (flash), # and * and comma, case-insensitive.
var dtmfToneRE = regexp.MustCompile(`^[0-9A-DR#*,]+$`)

// SendDTMFOptions configures sendDTMF (§4.1).
type SendDTMFOptions struct {
	Duration     time.Duration
	InterToneGap time.Duration
}

// SendDTMF implements §4.1 sendDTMF(tones, options): allowed only in
// CONFIRMED or WAITING_FOR_ACK.
func (s *Session) SendDTMF(ctx context.Context, tones string, opts SendDTMFOptions) error {
	var opErr error
	s.post(func() {
		switch s.status() {
		case StatusConfirmed, StatusWaitingForAck:
		default:
			opErr = ErrInvalidState("sendDTMF", string(s.status()))
			return
		}
		upper := strings.ToUpper(tones)
		if !dtmfToneRE.MatchString(upper) {
			opErr = ErrInvalidArgument("sendDTMF", "tones must match [0-9A-DR#*,]+")
			return
		}
		opts = s.clampDTMFOptions(opts)

		s.tonesMu.Lock()
		alreadyRunning := len(s.tones) > 0
		s.tones = append(s.tones, []byte(upper)...)
		s.tonesMu.Unlock()

		if !alreadyRunning {
			s.drainDTMFQueue(ctx, opts)
		}
	})
	return opErr
}

func (s *Session) clampDTMFOptions(opts SendDTMFOptions) SendDTMFOptions {
	cfg := s.config.DTMF
	if opts.Duration == 0 {
		opts.Duration = cfg.DefaultDuration
	}
	if opts.Duration < cfg.MinDuration {
		opts.Duration = cfg.MinDuration
	}
	if opts.Duration > cfg.MaxDuration {
		opts.Duration = cfg.MaxDuration
	}
	if opts.InterToneGap < cfg.MinInterToneGap {
		opts.InterToneGap = cfg.MinInterToneGap
	}
	return opts
}

// drainDTMFQueue issues one INFO per queued tone (§4.1: "Each tone issues
// an INFO with application/dtmf-relay... a comma inserts a 2000ms pause...
// On send failure, the remaining queue is dropped"). The tone at the head
// stays queued until its pause or inter-tone gap has elapsed, so a SendDTMF
// call during that time appends to the running sequence.
func (s *Session) drainDTMFQueue(ctx context.Context, opts SendDTMFOptions) {
	s.tonesMu.Lock()
	tone, _, more := nextTone(s.tones)
	s.tonesMu.Unlock()
	if !more {
		return
	}

	if tone == ',' {
		time.AfterFunc(s.config.DTMF.CommaPause, func() {
			s.postAsync(func() { s.popTone(); s.drainDTMFQueue(ctx, opts) })
		})
		return
	}

	if err := s.sendDTMFInfo(ctx, tone, opts); err != nil {
		s.tonesMu.Lock()
		s.tones = nil
		s.tonesMu.Unlock()
		return
	}

	time.AfterFunc(opts.InterToneGap, func() {
		s.postAsync(func() { s.popTone(); s.drainDTMFQueue(ctx, opts) })
	})
}

// popTone drops the tone at the head of the queue once it is done.
func (s *Session) popTone() {
	s.tonesMu.Lock()
	_, s.tones, _ = nextTone(s.tones)
	s.tonesMu.Unlock()
}

func nextTone(tones Tones) (byte, Tones, bool) {
	if len(tones) == 0 {
		return 0, tones, false
	}
	return tones[0], tones[1:], true
}

func (s *Session) sendDTMFInfo(ctx context.Context, tone byte, opts SendDTMFOptions) error {
	dlg, ok := s.registry.Confirmed()
	if !ok {
		return ErrInvalidState("sendDTMF", string(s.status()))
	}
	var target sip.Uri
	_ = sip.ParseUri(dlg.RemoteTarget, &target)
	req := sip.NewRequest(sip.INFO, target)
	req.AppendHeader(sip.NewHeader("Call-ID", s.id))
	s.localSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.INFO})
	body := fmt.Sprintf("Signal=%c\r\nDuration=%d\r\n", tone, opts.Duration.Milliseconds())
	req.SetBody([]byte(body))
	dtmfInfoContentHeaders(req, len(body))

	_, err := s.transport.TransactionRequest(ctx, req)
	return err
}

// SendInfo implements §4.1 sendInfo(contentType, body, options): allowed in
// CONFIRMED or WAITING_FOR_ACK.
func (s *Session) SendInfo(ctx context.Context, contentType string, body []byte) error {
	var opErr error
	s.post(func() {
		switch s.status() {
		case StatusConfirmed, StatusWaitingForAck:
		default:
			opErr = ErrInvalidState("sendInfo", string(s.status()))
			return
		}
		dlg, ok := s.registry.Confirmed()
		if !ok {
			opErr = ErrInvalidState("sendInfo", string(s.status()))
			return
		}
		var target sip.Uri
		_ = sip.ParseUri(dlg.RemoteTarget, &target)
		req := sip.NewRequest(sip.INFO, target)
		req.AppendHeader(sip.NewHeader("Call-ID", s.id))
		s.localSeq++
		req.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.INFO})
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.AppendHeader(sip.NewHeader("Content-Length", fmt.Sprintf("%d", len(body))))
		req.SetBody(body)
		_, opErr = s.transport.TransactionRequest(ctx, req)
	})
	return opErr
}

// RenegotiateOptions configures renegotiate (§4.1).
type RenegotiateOptions struct {
	UseUpdate bool
}

// Renegotiate implements §4.1 renegotiate(options, done): returns false
// unless eligible (§4.3).
func (s *Session) Renegotiate(ctx context.Context, opts RenegotiateOptions) bool {
	var eligible bool
	s.post(func() {
		dlg, ok := s.registry.Confirmed()
		if !ok || s.queue == nil || !s.queue.RTCReady() || !dlg.RenegotiationEligible() {
			eligible = false
			return
		}
		eligible = true
		dlg.UACPendingReply = true
		s.doRenegotiateOut(ctx, dlg, opts)
	})
	return eligible
}

func (s *Session) doRenegotiateOut(ctx context.Context, dlg *Dialog, opts RenegotiateOptions) {
	offer, err := s.queue.CreateOffer(ctx, nil)
	if err != nil {
		s.events.Emit(EventPCCreateOfferFailed, PeerConnectionFailurePayload{Operation: "createOffer", Err: err})
		s.terminateWebRTCError(ctx)
		dlg.UACPendingReply = false
		return
	}
	finalOffer, err := s.awaitLocalSDP(ctx, SDPTypeOffer, offer)
	if err != nil {
		s.terminateWebRTCError(ctx)
		dlg.UACPendingReply = false
		return
	}

	var target sip.Uri
	_ = sip.ParseUri(dlg.RemoteTarget, &target)
	method := sip.INVITE
	if opts.UseUpdate {
		method = sip.UPDATE
	}
	req := sip.NewRequest(method, target)
	req.AppendHeader(sip.NewHeader("Call-ID", s.id))
	s.localSeq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: method})
	req.SetBody([]byte(finalOffer))
	sdpContentHeaders(req, len(finalOffer))

	tx, err := s.transport.TransactionRequest(ctx, req)
	if err != nil {
		dlg.UACPendingReply = false
		s.terminateWebRTCError(ctx)
		return
	}
	s.watchRenegotiateTransaction(ctx, tx, dlg, method)
}

// terminateWebRTCError ends a session whose renegotiation failed: BYE with
// a 500 Reason, then ended(local, WEBRTC_ERROR).
func (s *Session) terminateWebRTCError(ctx context.Context) {
	s.sendBye(ctx, TerminateOptions{StatusCode: 500, ReasonText: "WebRTC error"})
	_ = s.transition(ctx, evTerminate)
	s.finish(ctx, OriginatorLocal, CauseWebRTCError, 500, false)
}

func (s *Session) watchRenegotiateTransaction(ctx context.Context, tx sip.ClientTransaction, dlg *Dialog, method sip.RequestMethod) {
	SafeGoroutine(ctx, "session.renegotiate_tx", func() {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return
			}
			if res.StatusCode >= 200 {
				s.postAsync(func() {
					dlg.UACPendingReply = false
					s.handleRenegotiateResponse(ctx, res, method)
				})
			}
		case <-tx.Done():
			s.postAsync(func() { dlg.UACPendingReply = false })
		case <-s.stopCh:
		}
	}, nil)
}

func (s *Session) handleRenegotiateResponse(ctx context.Context, res *sip.Response, method sip.RequestMethod) {
	if s.isTerminal() {
		return
	}
	if res.StatusCode >= 300 {
		return
	}
	body := res.Body()
	if len(body) == 0 {
		return
	}
	if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeAnswer, SDP: string(body)}); err != nil {
		s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		s.doTerminate(ctx, TerminateOptions{StatusCode: 488, ReasonText: "Not Acceptable Here"})
	}
}

// SendRequest implements §4.1 sendRequest(method, options): proxies to the
// confirmed dialog.
func (s *Session) SendRequest(ctx context.Context, method sip.RequestMethod, body []byte, contentType string) error {
	var opErr error
	s.post(func() {
		dlg, ok := s.registry.Confirmed()
		if !ok {
			opErr = ErrInvalidState("sendRequest", string(s.status()))
			return
		}
		var target sip.Uri
		_ = sip.ParseUri(dlg.RemoteTarget, &target)
		req := sip.NewRequest(method, target)
		req.AppendHeader(sip.NewHeader("Call-ID", s.id))
		s.localSeq++
		req.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: method})
		if len(body) > 0 {
			if contentType != "" {
				req.AppendHeader(sip.NewHeader("Content-Type", contentType))
			}
			req.SetBody(body)
		}
		_, opErr = s.transport.TransactionRequest(ctx, req)
	})
	return opErr
}
