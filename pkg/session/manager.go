package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TransportKind names a SIP transport protocol a Manager can listen on,
// matching the teacher's uacuas.go TransportConfig.Type vocabulary.
type TransportKind string

const (
	TransportUDP TransportKind = "udp"
	TransportTCP TransportKind = "tcp"
	TransportWS  TransportKind = "ws"
)

// ListenConfig describes one transport a Manager listens on.
type ListenConfig struct {
	Kind TransportKind
	Host string
	Port int
}

func (l ListenConfig) addr() string { return fmt.Sprintf("%s:%d", l.Host, l.Port) }

// NewSessionHandler is invoked for every inbound INVITE that does not match
// an existing Session, mirroring the teacher's OnIncomingCall callback
// (uacuas.go's UACUAS.cb). The handler owns deciding whether/how to answer;
// it runs on the Manager's own goroutine so it must return quickly or hand
// off to the returned Session's own command goroutine.
type NewSessionHandler func(s *Session, req *sip.Request, tx sip.ServerTransaction)

// PeerConnectionFactory builds the PeerConnection a newly admitted inbound
// Session should negotiate media with. Returning nil is valid for a
// signaling-only Session (tests, or call control without local media).
type PeerConnectionFactory func(req *sip.Request) PeerConnection

// Manager hosts every Session sharing one SIP transport stack. It wraps
// sipgo.UserAgent/Server/Client exactly as the teacher's UACUAS (uacuas.go)
// and Stack (stack.go) do, and is the concrete type a Session's Transport
// interface is bound to: Manager.TransactionRequest is what
// Session.sendInitialInvite/doRenegotiateOut etc. actually call.
type Manager struct {
	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	config Config
	logger StructuredLogger

	mu       sync.RWMutex
	sessions map[string]*Session

	onNewSession NewSessionHandler
	pcFactory    PeerConnectionFactory
}

// NewManager constructs the sipgo UA/Server/Client triple and a Manager
// bound to it, mirroring uacuas.NewUACUAS's construction sequence.
func NewManager(cfg Config, logger StructuredLogger) (*Manager, error) {
	if logger == nil {
		logger = GetDefaultLogger()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "sipsession"
	}

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return nil, fmt.Errorf("session: creating user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("session: creating server: %w", err)
	}
	cl, err := sipgo.NewClient(ua)
	if err != nil {
		return nil, fmt.Errorf("session: creating client: %w", err)
	}

	m := &Manager{
		ua:       ua,
		server:   srv,
		client:   cl,
		config:   cfg,
		logger:   logger.WithComponent("manager"),
		sessions: make(map[string]*Session),
	}
	m.registerHandlers()
	return m, nil
}

// OnNewSession sets the callback used to admit inbound INVITEs that open a
// new Session (§4.1's WAITING_FOR_ANSWER entry point).
func (m *Manager) OnNewSession(h NewSessionHandler) { m.onNewSession = h }

// SetPeerConnectionFactory sets the constructor used to give each inbound
// Session a PeerConnection (§2.2).
func (m *Manager) SetPeerConnectionFactory(f PeerConnectionFactory) { m.pcFactory = f }

func (m *Manager) registerHandlers() {
	m.server.OnInvite(m.handleInvite)
	m.server.OnAck(m.routeToDialog)
	m.server.OnBye(m.routeToDialog)
	m.server.OnCancel(m.routeToDialog)
	m.server.OnUpdate(m.routeToDialog)
	m.server.OnRequest(sip.INFO, m.routeToDialog)
}

// ListenTransports starts every configured transport concurrently via
// errgroup, exactly as uacuas.go's UACUAS.ListenTransports does, and blocks
// until ctx is canceled or one transport fails.
func (m *Manager) ListenTransports(ctx context.Context, listens []ListenConfig) error {
	if len(listens) == 0 {
		return fmt.Errorf("session: no transports configured")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, lc := range listens {
		lc := lc
		g.Go(func() error {
			switch lc.Kind {
			case TransportUDP:
				return m.server.ListenAndServe(ctx, "udp", lc.addr())
			case TransportTCP:
				return m.server.ListenAndServe(ctx, "tcp", lc.addr())
			case TransportWS:
				return m.server.ListenAndServe(ctx, "ws", lc.addr())
			default:
				return fmt.Errorf("session: unsupported transport kind %q", lc.Kind)
			}
		})
	}
	return g.Wait()
}

// TransactionRequest satisfies the Session Transport interface by starting
// a new client transaction, mirroring every teacher call site's use of
// sipgo.Client.TransactionRequest (dialog.go, refer.go, stack.go).
func (m *Manager) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return m.client.TransactionRequest(ctx, req)
}

// NewOutgoingSession creates and registers a Session that will place an
// outgoing call (§4.1 Connect). The caller still must call Connect on the
// returned Session.
func (m *Manager) NewOutgoingSession(pc PeerConnection) *Session {
	id := uuid.NewString()
	s := NewSession(id, DirectionOutgoing, m.config, m, pc, m.logger)
	m.track(s)
	return s
}

func (m *Manager) track(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	s.On(EventEnded, func(interface{}) { m.untrack(s.ID()) })
	s.On(EventFailed, func(interface{}) { m.untrack(s.ID()) })
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Session looks up a tracked Session by id.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every tracked Session.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// handleInvite is the sipgo OnInvite callback (mirroring uacuas.go's
// UACUAS.handleInvite / handlers.go:19). A re-INVITE for an existing
// dialog is routed to its Session; anything else opens a new Session in
// WAITING_FOR_ANSWER and hands it to onNewSession. Every Session's id is
// the wire Call-ID of the dialog it owns (an outgoing Session chooses a
// fresh one in NewOutgoingSession and writes it onto every request it
// sends; an incoming Session simply adopts the INVITE's), so a single
// call-id-keyed map both tracks and routes every session without needing
// to inspect From/To tags at all — one call-id names exactly one Session
// for this UA's lifetime, forks included (session_response.go's
// isForkedResponse handles a fork's extra branch within that Session).
func (m *Manager) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	if callID == nil {
		_ = tx.Respond(sip.NewResponseFromRequest(req, 400, "Missing Call-ID", nil))
		return
	}
	if s, ok := m.Session(callID.Value()); ok {
		s.ReceiveRequest(context.Background(), req, tx)
		return
	}

	var pc PeerConnection
	if m.pcFactory != nil {
		pc = m.pcFactory(req)
	}
	s := NewSession(callID.Value(), DirectionIncoming, m.config, m, pc, m.logger)
	m.track(s)
	s.AdmitInvite(context.Background(), req, tx)

	if m.onNewSession != nil {
		m.onNewSession(s, req, tx)
	}
}

// routeToDialog handles every in-dialog request (ACK/BYE/CANCEL/UPDATE/
// INFO) by looking up the owning Session by call-id and forwarding it,
// mirroring handlers.go's per-method handleCancel/handleBye/handleACK/
// handleUpdate pattern collapsed onto ReceiveRequest's own method switch.
func (m *Manager) routeToDialog(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID()
	var s *Session
	var ok bool
	if callID != nil {
		s, ok = m.Session(callID.Value())
	}
	if !ok {
		if tx != nil {
			_ = tx.Respond(sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil))
		}
		return
	}
	s.ReceiveRequest(context.Background(), req, tx)
}

// Close shuts every tracked Session down.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
