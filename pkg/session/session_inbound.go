package session

import (
	"context"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ReceiveRequest implements §4.1's receiveRequest dispatch: every in-dialog
// SIP request reaches the Session through here, tagged by method and
// dispatched via an exhaustive switch (§9 "Polymorphism over message
// variants"). The initial INVITE that creates a Session does not go
// through here; a Manager calls AdmitInvite for that (§1 Non-goals: a
// Manager hosts many sessions and dispatches by key, the Session itself
// only runs the already-admitted dialog's state machine).
func (s *Session) ReceiveRequest(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	s.postAsync(func() {
		switch req.Method {
		case sip.CANCEL:
			s.handleCancel(ctx, req, tx)
		case sip.ACK:
			s.handleAck(ctx, req)
		case sip.BYE:
			s.handleBye(ctx, req, tx)
		case sip.INVITE:
			s.handleReinvite(ctx, req, tx)
		case sip.UPDATE:
			s.handleUpdate(ctx, req, tx)
		case sip.INFO:
			s.handleInfo(ctx, req, tx)
		default:
			res := sip.NewResponseFromRequest(req, sip.StatusNotImplemented, "Not Implemented", nil)
			_ = tx.Respond(res)
		}
	})
}

// AdmitInvite sets up a freshly constructed incoming Session from the
// initial INVITE that created it, grounded on dialog.go's SetupFromInvite:
// extracts the remote identity and tag, generates the local (to-)tag,
// stores the INVITE/transaction for answer()/terminate() to use later, and
// transitions NULL->WAITING_FOR_ANSWER. If the INVITE carries an SDP body
// (early offer) it is set as the remote description so answer() can call
// createAnswer directly; otherwise late_sdp is left for the eventual ACK.
func (s *Session) AdmitInvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	s.postAsync(func() {
		s.request = req
		s.inviteTx = tx
		s.toTag = NewTag()

		if from := req.From(); from != nil {
			s.remoteURI = from.Address
			s.remoteIdentity = Identity{DisplayName: from.DisplayName, URI: from.Address.String()}
			s.fromTag, _ = from.Params.Get("tag")
		}
		if cseq := req.CSeq(); cseq != nil {
			s.remoteSeq = cseq.SeqNo
		}

		if err := s.transition(ctx, evRecvInvite); err != nil {
			res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
			_ = tx.Respond(res)
			return
		}
		s.events.Emit(EventNewRTCSession, NewRTCSessionPayload{Originator: OriginatorRemote})

		body := req.Body()
		if len(body) == 0 {
			s.lateSDP = true
			return
		}
		if s.queue == nil {
			return
		}
		if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeOffer, SDP: string(body)}); err != nil {
			s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
			s.doTerminate(ctx, TerminateOptions{StatusCode: 488, ReasonText: "Not Acceptable Here"})
		}
	})
}

// handleCancel implements §4.1 CANCEL: only honored in WAITING_FOR_ANSWER or
// ANSWERED (RFC 3261 §15); otherwise ignored.
func (s *Session) handleCancel(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	switch s.status() {
	case StatusWaitingForAnswer, StatusAnswered:
	default:
		return
	}
	if err := s.transition(ctx, evCancel); err != nil {
		return
	}
	if s.inviteTx != nil {
		res := sip.NewResponseFromRequest(s.request, 487, "Request Terminated", nil)
		_ = s.inviteTx.Respond(res)
	}
	cancelRes := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(cancelRes)
	s.finish(ctx, OriginatorRemote, CauseCanceled, 487, true)
}

// handleAck implements §4.1 ACK.
func (s *Session) handleAck(ctx context.Context, req *sip.Request) {
	s.events.Emit(EventAckReceived, AckReceivedPayload{Request: req})
	if s.status() != StatusWaitingForAck {
		return
	}
	if err := s.transition(ctx, evRecvAck); err != nil {
		return
	}
	s.timers.CancelRetransmit()
	s.timers.CancelAckWait()

	if !s.lateSDP {
		s.emitConfirmed(OriginatorRemote)
		return
	}

	body := req.Body()
	if len(body) == 0 {
		s.sendBye(ctx, TerminateOptions{StatusCode: 400, ReasonText: "Missing SDP"})
		_ = s.transition(ctx, evTerminate)
		s.finish(ctx, OriginatorLocal, CauseMissingSDP, 400, false)
		return
	}
	if s.queue == nil {
		s.emitConfirmed(OriginatorRemote)
		return
	}
	if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeAnswer, SDP: string(body)}); err != nil {
		s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		s.sendBye(ctx, TerminateOptions{StatusCode: 488, ReasonText: "Not Acceptable Here"})
		_ = s.transition(ctx, evTerminate)
		s.finish(ctx, OriginatorLocal, CauseBadMediaDescription, 488, false)
		return
	}
	s.emitConfirmed(OriginatorRemote)
}

// handleBye implements §4.1 BYE: allowed in CONFIRMED or WAITING_FOR_ACK.
func (s *Session) handleBye(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	switch s.status() {
	case StatusConfirmed, StatusWaitingForAck:
	default:
		res := sip.NewResponseFromRequest(req, 403, "Wrong Status", nil)
		_ = tx.Respond(res)
		return
	}
	extra := ByeHeaders{}
	s.events.Emit(EventByeReceived, ByeReceivedPayload{Request: req, ExtraHeaders: extra})

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	for name, value := range extra {
		res.AppendHeader(sip.NewHeader(name, value))
	}
	_ = tx.Respond(res)

	_ = s.transition(ctx, evTerminate)
	s.finish(ctx, OriginatorRemote, CauseBye, 0, false)
}

// handleReinvite implements §4.1/§4.3's re-INVITE path: allowed only in
// CONFIRMED.
func (s *Session) handleReinvite(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if s.status() != StatusConfirmed {
		res := sip.NewResponseFromRequest(req, 403, "Wrong Status", nil)
		_ = tx.Respond(res)
		return
	}
	dlg, ok := s.registry.Confirmed()
	if !ok {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	dlg.UASPendingReply = true

	rejected := false
	reject := RejectFunc(func(statusCode int, reasonPhrase string, extraHeaders map[string]string) {
		if rejected || statusCode < 300 || statusCode > 699 {
			return
		}
		rejected = true
		res := sip.NewResponseFromRequest(req, statusCode, reasonPhrase, nil)
		for name, value := range extraHeaders {
			res.AppendHeader(sip.NewHeader(name, value))
		}
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
	})
	s.events.Emit(EventReinvite, ReinvitePayload{Request: req, Reject: reject})
	if rejected {
		return
	}

	body := req.Body()
	s.lateSDP = len(body) == 0
	if len(body) == 0 {
		s.answerReinviteWithFreshOffer(ctx, req, tx, dlg)
		return
	}
	s.answerReinviteWithOffer(ctx, req, tx, dlg, body)
}

func (s *Session) answerReinviteWithFreshOffer(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, dlg *Dialog) {
	if s.queue == nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	offer, err := s.queue.CreateOffer(ctx, nil)
	if err != nil {
		s.events.Emit(EventPCCreateOfferFailed, PeerConnectionFailurePayload{Operation: "createOffer", Err: err})
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	finalOffer, err := s.awaitLocalSDP(ctx, SDPTypeOffer, offer)
	if err != nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(finalOffer))
	sdpContentHeaders(res, len(finalOffer))
	_ = tx.Respond(res)
	_ = s.transition(ctx, evAnswer)
	s.timers.ArmRetransmit(0)
	s.timers.ArmAckWait()
}

func (s *Session) answerReinviteWithOffer(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, dlg *Dialog, offerBody []byte) {
	contentType := req.GetHeader("Content-Type")
	if contentType == nil || !strings.HasPrefix(strings.ToLower(contentType.Value()), "application/sdp") {
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	if s.queue == nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeOffer, SDP: string(offerBody)}); err != nil {
		s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	answer, err := s.queue.CreateAnswer(ctx, nil)
	if err != nil {
		s.events.Emit(EventPCCreateAnswerFailed, PeerConnectionFailurePayload{Operation: "createAnswer", Err: err})
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	finalAnswer, err := s.awaitLocalSDP(ctx, SDPTypeAnswer, answer)
	if err != nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(finalAnswer))
	sdpContentHeaders(res, len(finalAnswer))
	_ = tx.Respond(res)
	dlg.UASPendingReply = false
	_ = s.transition(ctx, evAnswer)
	s.timers.ArmRetransmit(0)
	s.timers.ArmAckWait()
}

// handleUpdate implements §4.1/§4.3's UPDATE path: allowed only in
// CONFIRMED.
func (s *Session) handleUpdate(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	if s.status() != StatusConfirmed {
		res := sip.NewResponseFromRequest(req, 403, "Wrong Status", nil)
		_ = tx.Respond(res)
		return
	}
	dlg, ok := s.registry.Confirmed()
	if !ok {
		res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
		_ = tx.Respond(res)
		return
	}
	dlg.UASPendingReply = true

	rejected := false
	reject := RejectFunc(func(statusCode int, reasonPhrase string, extraHeaders map[string]string) {
		if rejected || statusCode < 300 || statusCode > 699 {
			return
		}
		rejected = true
		res := sip.NewResponseFromRequest(req, statusCode, reasonPhrase, nil)
		for name, value := range extraHeaders {
			res.AppendHeader(sip.NewHeader(name, value))
		}
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
	})
	s.events.Emit(EventUpdate, UpdatePayload{Request: req, Reject: reject})
	if rejected {
		return
	}

	body := req.Body()
	if len(body) == 0 {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	s.answerUpdateWithOffer(ctx, req, tx, dlg, body)
}

func (s *Session) answerUpdateWithOffer(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, dlg *Dialog, offerBody []byte) {
	contentType := req.GetHeader("Content-Type")
	if contentType == nil || !strings.HasPrefix(strings.ToLower(contentType.Value()), "application/sdp") {
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	if s.queue == nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeOffer, SDP: string(offerBody)}); err != nil {
		s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		_ = tx.Respond(res)
		dlg.UASPendingReply = false
		return
	}
	answer, err := s.queue.CreateAnswer(ctx, nil)
	dlg.UASPendingReply = false
	if err != nil {
		s.events.Emit(EventPCCreateAnswerFailed, PeerConnectionFailurePayload{Operation: "createAnswer", Err: err})
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		return
	}
	finalAnswer, err := s.awaitLocalSDP(ctx, SDPTypeAnswer, answer)
	if err != nil {
		res := sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil)
		_ = tx.Respond(res)
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(finalAnswer))
	sdpContentHeaders(res, len(finalAnswer))
	_ = tx.Respond(res)
}

// handleInfo implements §4.1 INFO: allowed in a broader set of states than
// the other in-dialog requests (1XX_RECEIVED through CONFIRMED).
func (s *Session) handleInfo(ctx context.Context, req *sip.Request, tx sip.ServerTransaction) {
	switch s.status() {
	case Status1xxReceived, StatusWaitingForAnswer, StatusAnswered, StatusWaitingForAck, StatusConfirmed:
	default:
		res := sip.NewResponseFromRequest(req, 403, "Wrong Status", nil)
		_ = tx.Respond(res)
		return
	}

	contentType := req.GetHeader("Content-Type")
	if contentType == nil {
		res := sip.NewResponseFromRequest(req, 415, "Unsupported Media Type", nil)
		_ = tx.Respond(res)
		return
	}
	ct := strings.ToLower(contentType.Value())
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	_ = tx.Respond(res)

	if strings.HasPrefix(ct, "application/dtmf-relay") {
		tone := parseDTMFRelayTone(req.Body())
		if tone != 0 {
			s.events.Emit(EventNewDTMF, NewDTMFPayload{Tone: tone, Originator: OriginatorRemote})
		}
		return
	}
	s.events.Emit(EventNewInfo, NewInfoPayload{ContentType: ct, Body: req.Body(), Originator: OriginatorRemote})
}

// parseDTMFRelayTone extracts the Signal= value from an
// application/dtmf-relay body, mirroring the format sendDTMFInfo produces.
func parseDTMFRelayTone(body []byte) byte {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Signal=") {
			v := strings.TrimPrefix(line, "Signal=")
			if len(v) > 0 {
				return v[0]
			}
		}
	}
	return 0
}
