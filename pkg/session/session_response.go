package session

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
)

// handleInviteResponse implements §4.1's "Outbound INVITE response
// handling": dispatched for every response delivered on the initial
// INVITE's client transaction.
func (s *Session) handleInviteResponse(ctx context.Context, res *sip.Response, originalReq *sip.Request) {
	if s.isTerminal() {
		return
	}

	if respMatchesConfirmedDialog(res, s) {
		s.ackOnly(ctx, res)
		return
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 && s.isForkedResponse(res) {
		s.ackThenBye(ctx, res)
		return
	}

	if s.isCanceled.Load() {
		s.handleCanceledOutcome(ctx, res)
		return
	}

	switch s.status() {
	case StatusInviteSent, Status1xxReceived:
	default:
		return
	}

	switch {
	case res.StatusCode == 100:
		_ = s.transition(ctx, evRecv1xx)
	case res.StatusCode >= 101 && res.StatusCode < 200:
		s.handleProvisional(ctx, res)
	case res.StatusCode >= 200 && res.StatusCode < 300:
		s.handleFinalSuccess(ctx, res)
	case res.StatusCode == 401 || res.StatusCode == 407:
		s.handleAuthChallenge(ctx, res, originalReq)
	default:
		s.handleFinalFailure(ctx, res)
	}
}

// respMatchesConfirmedDialog reports whether res is a retransmission of the
// 2xx that already confirmed this session's dialog (matching
// call-id+from-tag+to-tag), per §4.1: "reply with ACK only".
func respMatchesConfirmedDialog(res *sip.Response, s *Session) bool {
	dlg, ok := s.registry.Confirmed()
	if !ok || res.StatusCode < 200 || res.StatusCode >= 300 {
		return false
	}
	toTag, _ := res.To().Params.Get("tag")
	return toTag == dlg.Key.RemoteTag
}

// isForkedResponse reports whether this session already accepted a 2xx for
// a different branch (a different to-tag) than res carries — signaling a
// forked final response (§4.2/§4.1 fork handling). Called only for 2xx
// responses that did not match the already-confirmed dialog.
func (s *Session) isForkedResponse(res *sip.Response) bool {
	dlg, ok := s.registry.Confirmed()
	if !ok {
		return false
	}
	toTag, _ := res.To().Params.Get("tag")
	return toTag != "" && toTag != dlg.Key.RemoteTag
}

func (s *Session) ackOnly(ctx context.Context, res *sip.Response) {
	s.sendAckFor(ctx, res, nil)
}

// ackThenBye implements the fork branch of §4.1: "2xx from a different
// branch (fork): ACK the forked 2xx then BYE it."
func (s *Session) ackThenBye(ctx context.Context, res *sip.Response) {
	s.sendAckFor(ctx, res, nil)
	toTag, _ := res.To().Params.Get("tag")
	forkDlg := &Dialog{Key: uacDialogKey(s.id, s.fromTag, toTag), Role: RoleUAC, State: DialogStateConfirmed}
	if contact := res.GetHeader("Contact"); contact != nil {
		contactURI := extractURIFromContactHeader(contact.Value())
		forkDlg.RemoteTarget = contactURI.String()
	}
	s.sendByeToDialog(ctx, forkDlg)
}

// handleCanceledOutcome implements §4.1's "If canceled before response": on
// 1xx send CANCEL; on 2xx perform accept-and-terminate (ACK + BYE).
func (s *Session) handleCanceledOutcome(ctx context.Context, res *sip.Response) {
	if res.StatusCode >= 100 && res.StatusCode < 200 {
		s.sendCancel(ctx, TerminateOptions{ReasonText: s.cancelReason})
		_ = s.transition(ctx, evCancel)
		s.finish(ctx, OriginatorLocal, CauseCanceled, 0, true)
		return
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		s.acceptAndTerminate(ctx, res)
		_ = s.transition(ctx, evCancel)
		s.finish(ctx, OriginatorLocal, CauseCanceled, 0, true)
		return
	}
	_ = s.transition(ctx, evCancel)
	s.finish(ctx, OriginatorLocal, CauseCanceled, 0, true)
}

// acceptAndTerminate ACKs an unwanted 2xx then BYEs the dialog it created
// (§GLOSSARY "Accept-and-terminate").
func (s *Session) acceptAndTerminate(ctx context.Context, res *sip.Response) {
	s.sendAckFor(ctx, res, nil)
	toTag, _ := res.To().Params.Get("tag")
	dlg := &Dialog{Key: uacDialogKey(s.id, s.fromTag, toTag), Role: RoleUAC, State: DialogStateConfirmed}
	if contact := res.GetHeader("Contact"); contact != nil {
		contactURI := extractURIFromContactHeader(contact.Value())
		dlg.RemoteTarget = contactURI.String()
	}
	s.sendByeToDialog(ctx, dlg)
}

// handleProvisional implements §4.1's 101-199-with-to-tag branch.
func (s *Session) handleProvisional(ctx context.Context, res *sip.Response) {
	toTag, hasTag := res.To().Params.Get("tag")
	if hasTag && toTag != "" {
		key := uacDialogKey(s.id, s.fromTag, toTag)
		dlg := NewEarlyDialog(key, RoleUAC)
		if contact := res.GetHeader("Contact"); contact != nil {
			contactURI := extractURIFromContactHeader(contact.Value())
			dlg.RemoteTarget = contactURI.String()
		}
		s.registry.AddEarly(dlg)
	}
	_ = s.transition(ctx, evRecv1xx)
	s.events.Emit(EventProgress, ProgressPayload{Response: res})

	body := res.Body()
	if len(body) > 0 && s.queue != nil {
		if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeAnswer, SDP: string(body)}); err != nil {
			s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		}
	}
}

// handleFinalSuccess implements §4.1's 200-299 branch.
func (s *Session) handleFinalSuccess(ctx context.Context, res *sip.Response) {
	body := res.Body()
	if len(body) == 0 {
		s.acceptAndTerminate(ctx, res)
		s.finish(ctx, OriginatorLocal, CauseBadMediaDescription, 400, true)
		return
	}

	toTag, _ := res.To().Params.Get("tag")
	key := uacDialogKey(s.id, s.fromTag, toTag)
	var dlg *Dialog
	if promoted, ok := s.registry.Promote(key); ok {
		dlg = promoted
	} else {
		dlg = NewEarlyDialog(key, RoleUAC)
		if contact := res.GetHeader("Contact"); contact != nil {
			contactURI := extractURIFromContactHeader(contact.Value())
			dlg.RemoteTarget = contactURI.String()
		}
		s.registry.ConfirmDirect(dlg)
	}
	dlg.RouteSet = extractRecordRoutes(res)
	s.toTag = toTag

	if s.queue == nil {
		s.finishFinalSuccess(ctx, res, dlg)
		return
	}

	stable := s.queue.pc.SignalingState() == SignalingStable
	if stable {
		offer, err := s.queue.CreateOffer(ctx, nil)
		if err == nil {
			_, _ = s.awaitLocalSDP(ctx, SDPTypeOffer, offer)
		}
	}
	if err := s.queue.SetRemoteDescription(ctx, SessionDescription{Type: SDPTypeAnswer, SDP: string(res.Body())}); err != nil {
		s.events.Emit(EventPCSetRemoteFailed, PeerConnectionFailurePayload{Operation: "setRemoteDescription", Err: err})
		s.acceptAndTerminate(ctx, res)
		s.finish(ctx, OriginatorLocal, CauseBadMediaDescription, 488, true)
		return
	}
	s.finishFinalSuccess(ctx, res, dlg)
}

func (s *Session) finishFinalSuccess(ctx context.Context, res *sip.Response, dlg *Dialog) {
	if sessionExpires := res.GetHeader("Session-Expires"); sessionExpires != nil && s.sessionTimers.Enabled {
		expires, refresher := parseSessionExpires(sessionExpires.Value())
		s.currentExpires = expires
		s.timerRefresher = refresher == "uac"
		s.timers.ArmSessionTimer(s.currentExpires, s.timerRefresher)
	}
	_ = s.transition(ctx, evRecv2xx)
	s.startTime = now()
	s.events.Emit(EventAccepted, AcceptedPayload{Originator: OriginatorRemote, Response: res})
	s.sendAckFor(ctx, res, nil)
	_ = s.transition(ctx, evConfirm)
	s.emitConfirmed(OriginatorLocal)
}

// handleFinalFailure implements §4.1's "Other: map status code to a cause
// string... and fire failed(remote, cause)".
func (s *Session) handleFinalFailure(ctx context.Context, res *sip.Response) {
	cause := CauseFromStatus(int(res.StatusCode))
	_ = s.transition(ctx, evTerminate)
	s.finish(ctx, OriginatorRemote, cause, int(res.StatusCode), true)
}

// handleAuthChallenge implements §6.1: retry once with digest credentials
// if configured, otherwise fail with AUTHENTICATION_ERROR.
func (s *Session) handleAuthChallenge(ctx context.Context, res *sip.Response, originalReq *sip.Request) {
	if s.config.Credentials == nil || originalReq == nil {
		s.handleFinalFailure(ctx, res)
		return
	}

	retry := sip.NewRequest(originalReq.Method, originalReq.Recipient)
	for _, h := range originalReq.Headers() {
		retry.AppendHeader(h)
	}
	s.localSeq++
	retry.RemoveHeader("CSeq")
	retry.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: originalReq.Method})
	if len(originalReq.Body()) > 0 {
		retry.SetBody(originalReq.Body())
	}

	if err := applyDigestAuthorization(retry, res, originalReq, s.config.Credentials); err != nil {
		s.handleFinalFailure(ctx, res)
		return
	}

	tx, err := s.transport.TransactionRequest(ctx, retry)
	if err != nil {
		s.handleFinalFailure(ctx, res)
		return
	}
	s.watchAuthRetryTransaction(ctx, tx, retry)
}

func (s *Session) watchAuthRetryTransaction(ctx context.Context, tx sip.ClientTransaction, req *sip.Request) {
	SafeGoroutine(ctx, "session.auth_retry_tx", func() {
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				if res.StatusCode == 401 || res.StatusCode == 407 {
					s.postAsync(func() {
						s.handleFinalFailure(ctx, res)
					})
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

func (s *Session) sendAckFor(ctx context.Context, res *sip.Response, body []byte) {
	target := s.remoteURI
	if contact := res.GetHeader("Contact"); contact != nil {
		if u := extractURIFromContactHeader(contact.Value()); u.Host != "" {
			target = u
		}
	}
	ack := sip.NewRequest(sip.ACK, target)
	ack.AppendHeader(sip.NewHeader("Call-ID", s.id))
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.ACK})
	if toTag, ok := res.To().Params.Get("tag"); ok {
		ack.AppendHeader(&sip.ToHeader{Address: res.To().Address, Params: sip.HeaderParams{"tag": toTag}})
	}
	if len(body) > 0 {
		ack.SetBody(body)
		sdpContentHeaders(ack, len(body))
	}
	_, _ = s.transport.TransactionRequest(ctx, ack)
}

func (s *Session) sendByeToDialog(ctx context.Context, dlg *Dialog) {
	var target sip.Uri
	_ = sip.ParseUri(dlg.RemoteTarget, &target)
	byeReq := sip.NewRequest(sip.BYE, target)
	byeReq.AppendHeader(sip.NewHeader("Call-ID", s.id))
	s.localSeq++
	byeReq.AppendHeader(&sip.CSeqHeader{SeqNo: s.localSeq, MethodName: sip.BYE})
	_, _ = s.transport.TransactionRequest(ctx, byeReq)
}

// extractURIFromContactHeader does a minimal best-effort parse of a Contact
// header value down to its URI, mirroring dialog.go's extractURIFromContact.
func extractURIFromContactHeader(value string) sip.Uri {
	v := strings.TrimSpace(value)
	if idx := strings.Index(v, "<"); idx >= 0 {
		if end := strings.Index(v, ">"); end > idx {
			v = v[idx+1 : end]
		}
	} else if idx := strings.Index(v, ";"); idx >= 0 {
		v = v[:idx]
	}
	var uri sip.Uri
	_ = sip.ParseUri(v, &uri)
	return uri
}

// extractRecordRoutes builds a reversed Record-Route route set for a UAC
// dialog, mirroring dialog.go's updateRouteSet.
func extractRecordRoutes(res *sip.Response) RouteSet {
	headers := res.GetHeaders("Record-Route")
	if len(headers) == 0 {
		return nil
	}
	routes := make(RouteSet, 0, len(headers))
	for i := len(headers) - 1; i >= 0; i-- {
		routes = append(routes, headers[i].Value())
	}
	return routes
}

// parseSessionExpires parses a "<seconds>;refresher=<uac|uas>" header value
// (RFC 4028).
func parseSessionExpires(value string) (expires time.Duration, refresher string) {
	parts := strings.Split(value, ";")
	seconds, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	refresher = "uac"
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if strings.HasPrefix(p, "refresher=") {
			refresher = strings.TrimPrefix(p, "refresher=")
		}
	}
	return time.Duration(seconds) * time.Second, refresher
}

// now is a thin indirection around time.Now so tests could substitute a
// fixed clock if ever needed; currently a direct passthrough.
func now() time.Time { return time.Now() }

// --- timer-fired handlers (§4.4) ---

// retransmit2xx implements §4.4's 2xx retransmission: re-sends the 200 with
// the same Contact and body, then re-arms at double the interval (capped at
// T2), while status remains WAITING_FOR_ACK.
func (s *Session) retransmit2xx(attempt int) {
	if s.status() != StatusWaitingForAck || s.request == nil || s.inviteTx == nil {
		return
	}
	body := s.request.Body()
	res := sip.NewResponseFromRequest(s.request, 200, "OK", body)
	ApplyContact(res, s.contact)
	_ = s.inviteTx.Respond(res)
	s.timers.ArmRetransmit(attempt + 1)
}

// ackTimeout implements §4.4 Timer H: cancel retransmission, send BYE,
// fire ended(remote, NO_ACK).
func (s *Session) ackTimeout() {
	if s.status() != StatusWaitingForAck {
		return
	}
	s.timers.CancelRetransmit()
	ctx := context.Background()
	s.sendBye(ctx, TerminateOptions{})
	_ = s.transition(ctx, evTerminate)
	s.finish(ctx, OriginatorRemote, CauseNoAck, 0, false)
}

// refreshSessionTimer implements §4.4's running-refresher branch.
func (s *Session) refreshSessionTimer() {
	if s.status() != StatusConfirmed {
		return
	}
	ctx := context.Background()
	// Already on the command goroutine, so Renegotiate's eligibility check is
	// applied here directly; calling Renegotiate would wait on this goroutine.
	if dlg, ok := s.registry.Confirmed(); ok && s.queue != nil && s.queue.RTCReady() && dlg.RenegotiationEligible() {
		dlg.UACPendingReply = true
		s.doRenegotiateOut(ctx, dlg, RenegotiateOptions{UseUpdate: s.sessionTimers.RefreshMethod == RefreshMethodUpdate})
	}
	s.timers.ArmSessionTimer(s.currentExpires, s.timerRefresher)
}

// sessionTimerExpired implements §4.4's non-refresher watchdog branch: BYE
// with a 408 Reason, then ended(local, REQUEST_TIMEOUT).
func (s *Session) sessionTimerExpired() {
	if s.status() != StatusConfirmed {
		return
	}
	ctx := context.Background()
	s.sendBye(ctx, TerminateOptions{StatusCode: 408, ReasonText: "Session Timer Expired"})
	_ = s.transition(ctx, evTerminate)
	s.finish(ctx, OriginatorLocal, CauseRequestTimeout, 408, false)
}

// noAnswerTimeout fires when an outgoing INVITE has had no final response
// within its bound (ConnectOptions.NoAnswerTimeout or
// Config.NoAnswerTimeout). In 1XX_RECEIVED it sends CANCEL at once; in
// INVITE_SENT it latches the cancel, and the CANCEL goes out when a
// provisional response arrives.
func (s *Session) noAnswerTimeout() {
	switch s.status() {
	case StatusInviteSent, Status1xxReceived:
	default:
		return
	}
	ctx := context.Background()
	s.doTerminate(ctx, TerminateOptions{StatusCode: 408, ReasonText: "No Answer"})
}
