package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Status is a Session's position in the INVITE dialog state machine (§3).
type Status string

const (
	StatusNull            Status = "NULL"
	StatusInviteSent      Status = "INVITE_SENT"
	Status1xxReceived     Status = "1XX_RECEIVED"
	StatusInviteReceived  Status = "INVITE_RECEIVED"
	StatusWaitingForAnswer Status = "WAITING_FOR_ANSWER"
	StatusAnswered        Status = "ANSWERED"
	StatusWaitingForAck   Status = "WAITING_FOR_ACK"
	StatusCanceled        Status = "CANCELED"
	StatusTerminated      Status = "TERMINATED"
	StatusConfirmed       Status = "CONFIRMED"
)

// the fsm event names driving the Status machine. Kept private: callers
// observe Status via Session.Status(), never the FSM event vocabulary.
const (
	evSend         = "send"
	evRecv1xx      = "recv_1xx"
	evRecvInvite   = "recv_invite"
	evAnswer       = "answer"
	evRecv2xx      = "recv_2xx"
	evRecvAck      = "recv_ack"
	evCancel       = "cancel"
	evTerminate    = "terminate"
	evConfirm      = "confirm" // WAITING_FOR_ACK -> CONFIRMED
)

// Direction is which side originated the session (§3 *direction*).
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

// Identity is a SIP address-of-record (§3 local_identity/remote_identity).
type Identity struct {
	DisplayName string
	URI         string
}

// Tones is the queued-DTMF attribute of §3.
type Tones []byte

// Transport is the narrow send surface a Session uses; the full transport
// and transaction layer lives outside this module (§1 Out of scope) and is
// reached only through this interface, satisfied by a Manager (manager.go)
// wrapping github.com/emiago/sipgo. TransactionRequest starts a new client
// transaction and returns its response channel, mirroring
// sipgo.Client.TransactionRequest as used throughout the teacher's dialog.go.
type Transport interface {
	TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// Session is one call attempt (§3 Data Model). Every field is owned
// exclusively by the session's command goroutine (§5 Implementation note);
// code outside this package only ever touches a Session through its
// exported methods, which post commands to that goroutine.
type Session struct {
	id string

	statusFSM *fsm.FSM

	direction      Direction
	localIdentity  Identity
	remoteIdentity Identity
	fromTag        string
	toTag          string
	contact        string
	anonymous      bool

	request *sip.Request      // active initial INVITE
	inviteTx sip.ServerTransaction // set for an inbound INVITE being answered
	localURI  sip.Uri
	remoteURI sip.Uri
	localSeq  uint32
	remoteSeq uint32
	routeSet  RouteSet

	cancelOutboundReq *sip.Request // pending-cancel snapshot (§4.1 terminate)

	registry *DialogRegistry

	queue *NegotiationQueue

	isConfirmed   atomic.Bool
	isCanceled    atomic.Bool
	cancelReason  string
	lateSDP       bool

	startTime time.Time
	endTime   time.Time

	tonesMu sync.Mutex
	tones   Tones

	sessionTimers   SessionTimerConfig
	currentExpires  time.Duration
	timerRefresher  bool
	sessionTimersOn bool

	data interface{}

	transport Transport
	timers    *TimerManager
	events    *EventBus
	logger    StructuredLogger
	config    Config

	cmds   chan func()
	stopCh chan struct{}
	once   sync.Once

	record emittedRecord
}

// NewSession constructs a Session in status NULL and starts its command
// goroutine. pc may be nil for a Session that will never negotiate media
// (exercised only by tests); a real Session always has one.
func NewSession(id string, direction Direction, cfg Config, transport Transport, pc PeerConnection, logger StructuredLogger) *Session {
	if logger == nil {
		logger = GetDefaultLogger()
	}
	s := &Session{
		id:            id,
		direction:     direction,
		sessionTimers: cfg.SessionTimers,
		config:        cfg,
		transport:     transport,
		events:        NewEventBus(),
		logger:        logger.WithComponent("session").WithFields(F("session_id", id)),
		registry:      NewDialogRegistry(),
		cmds:          make(chan func(), 32),
		stopCh:        make(chan struct{}),
		contact:       cfg.Contact,
		localIdentity: Identity{DisplayName: cfg.DisplayName, URI: cfg.Contact},
	}
	if cfg.Contact != "" {
		_ = sip.ParseUri(cfg.Contact, &s.localURI)
	}
	if pc != nil {
		s.queue = NewNegotiationQueue(pc)
	}
	s.timers = NewTimerManager(id, s.onTimerFired)
	s.statusFSM = newStatusFSM(s)

	go s.loop()
	return s
}

func newStatusFSM(s *Session) *fsm.FSM {
	return fsm.NewFSM(
		string(StatusNull),
		fsm.Events{
			{Name: evSend, Src: []string{string(StatusNull)}, Dst: string(StatusInviteSent)},
			{Name: evRecvInvite, Src: []string{string(StatusNull)}, Dst: string(StatusWaitingForAnswer)},
			{Name: evRecv1xx, Src: []string{string(StatusInviteSent)}, Dst: string(Status1xxReceived)},
			{Name: evRecv1xx, Src: []string{string(Status1xxReceived)}, Dst: string(Status1xxReceived)},
			{Name: evAnswer, Src: []string{string(StatusWaitingForAnswer), string(StatusConfirmed)}, Dst: string(StatusWaitingForAck)},
			{Name: evRecv2xx, Src: []string{string(StatusInviteSent), string(Status1xxReceived)}, Dst: string(StatusWaitingForAck)},
			{Name: evConfirm, Src: []string{string(StatusWaitingForAck)}, Dst: string(StatusConfirmed)},
			{Name: evRecvAck, Src: []string{string(StatusWaitingForAck)}, Dst: string(StatusConfirmed)},
			{Name: evCancel, Src: []string{string(StatusNull), string(StatusInviteSent), string(Status1xxReceived), string(StatusWaitingForAnswer), string(StatusAnswered)}, Dst: string(StatusCanceled)},
			{Name: evTerminate, Src: []string{"*"}, Dst: string(StatusTerminated)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) { s.onEnterStatus(e) },
		},
	)
}

func (s *Session) onEnterStatus(e *fsm.Event) {
	s.logger.Debug(context.Background(), "status transition",
		F("from", e.Src), F("to", e.Dst), F("event", e.Event))
}

// loop is the Session's actor goroutine: the sole execution context for all
// session-visible mutation (§5). Timers, the negotiation queue, and inbound
// SIP delivery all submit closures here rather than touching fields
// directly.
func (s *Session) loop() {
	for {
		select {
		case cmd := <-s.cmds:
			_ = SafeExecute(context.Background(), "session.loop", func() error {
				cmd()
				return nil
			})
		case <-s.stopCh:
			s.drainAndExit()
			return
		}
	}
}

func (s *Session) drainAndExit() {
	for {
		select {
		case cmd := <-s.cmds:
			_ = SafeExecute(context.Background(), "session.loop", func() error {
				cmd()
				return nil
			})
		default:
			return
		}
	}
}

// post submits fn to run on the session's command goroutine and blocks
// until it has run. Exported operations in session_ops.go/session_inbound.go
// /session_response.go all funnel through post so they execute with
// exclusive access to session state.
func (s *Session) post(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case s.cmds <- wrapped:
		<-done
	case <-s.stopCh:
	}
}

// postAsync submits fn without waiting, used by timer callbacks and
// peer-connection engine callbacks that must never block their own caller.
func (s *Session) postAsync(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.stopCh:
	}
}

// Status returns the session's current state. Safe to call concurrently.
func (s *Session) Status() Status {
	var st Status
	s.post(func() { st = Status(s.statusFSM.Current()) })
	return st
}

func (s *Session) status() Status { return Status(s.statusFSM.Current()) }

func (s *Session) transition(ctx context.Context, event string) error {
	return s.statusFSM.Event(ctx, event)
}

// ID returns the session's identity: the dialog's Call-ID alone; the local
// tag is not part of it.
func (s *Session) ID() string { return s.id }

func (s *Session) Direction() Direction         { return s.direction }
func (s *Session) LocalIdentity() Identity      { return s.localIdentity }
func (s *Session) RemoteIdentity() Identity     { return s.remoteIdentity }
func (s *Session) StartTime() time.Time         { return s.startTime }
func (s *Session) EndTime() time.Time           { return s.endTime }
func (s *Session) Contact() string              { return s.contact }
func (s *Session) Data() interface{}            { return s.data }
func (s *Session) SetData(v interface{})        { s.post(func() { s.data = v }) }
func (s *Session) On(evt EventType, h Handler) func() { return s.events.On(evt, h) }

// Close stops the session's command goroutine. Callers should only do this
// after the session has reached TERMINATED or CANCELED; Close itself does
// not emit any event.
func (s *Session) Close() {
	s.once.Do(func() {
		s.timers.CancelAll()
		if s.queue != nil {
			s.queue.Close()
		}
		close(s.stopCh)
	})
}

// isTerminal reports whether no further protocol-visible transitions are
// allowed (§3 invariant: status monotonicity).
func (s *Session) isTerminal() bool {
	switch s.status() {
	case StatusTerminated, StatusCanceled:
		return true
	default:
		return false
	}
}

// finish performs the common terminal bookkeeping of §7: set end_time,
// close dialogs, clear timers, then emit exactly one of ended/failed.
func (s *Session) finish(ctx context.Context, originator Originator, cause Cause, statusCode int, asFailure bool) {
	if s.record.ended || s.record.failed {
		return
	}
	s.endTime = time.Now()
	s.registry.Clear()
	s.timers.CancelAll()

	if asFailure {
		s.record.failed = true
		s.events.Emit(EventFailed, FailedPayload{Originator: originator, Cause: cause, StatusCode: statusCode})
	} else {
		s.record.ended = true
		s.events.Emit(EventEnded, EndedPayload{Originator: originator, Cause: cause})
	}
}

func (s *Session) emitConfirmed(originator Originator) {
	if s.record.confirmed {
		return
	}
	s.record.confirmed = true
	s.isConfirmed.Store(true)
	s.events.Emit(EventConfirmed, ConfirmedPayload{Originator: originator})
}

// onTimerFired is the TimerManager callback; it always hops back onto the
// command goroutine before touching any Session state (§5).
func (s *Session) onTimerFired(evt TimeoutEvent) {
	s.postAsync(func() {
		s.handleTimerFired(evt)
	})
}

func (s *Session) handleTimerFired(evt TimeoutEvent) {
	if s.isTerminal() {
		return
	}
	switch evt.Kind {
	case TimeoutKind2xxRetransmit:
		s.retransmit2xx(evt.Attempt)
	case TimeoutKindAckWait:
		s.ackTimeout()
	case TimeoutKindSessionRefresh:
		s.refreshSessionTimer()
	case TimeoutKindSessionWatchdog:
		s.sessionTimerExpired()
	case TimeoutKindNoAnswer:
		s.noAnswerTimeout()
	}
}
