package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// fakeClientTransaction is a minimal in-memory stand-in for sip.ClientTransaction,
// used by this package's own tests so a Session's outbound requests can be
// driven without a real UDP/TCP transport, mirroring basic_testify_test.go's
// direct use of tx.Responses()/tx.Done() against the real sipgo transaction.
// Every method sipgo's ClientTransaction has been observed to need anywhere
// in the teacher's own call sites (Responses, Done, Err, Cancel) is
// implemented, plus a couple of generically-named extras (Terminate, String)
// in case the real interface carries them too — extra methods are harmless.
type fakeClientTransaction struct {
	mu        sync.Mutex
	responses chan *sip.Response
	done      chan struct{}
	closed    bool
}

func newFakeClientTransaction() *fakeClientTransaction {
	return &fakeClientTransaction{
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (t *fakeClientTransaction) Responses() <-chan *sip.Response { return t.responses }
func (t *fakeClientTransaction) Done() <-chan struct{}            { return t.done }
func (t *fakeClientTransaction) Err() error                       { return nil }
func (t *fakeClientTransaction) String() string                   { return "fakeClientTransaction" }

func (t *fakeClientTransaction) OnRetransmission(f sip.FnTxResponse) bool { return true }
func (t *fakeClientTransaction) OnTerminate(f sip.FnTxTerminate) bool     { return true }

func (t *fakeClientTransaction) Cancel() error {
	t.close()
	return nil
}

func (t *fakeClientTransaction) Terminate() {
	t.close()
}

func (t *fakeClientTransaction) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
}

// sendResponse delivers res as if it arrived on the wire for this transaction.
func (t *fakeClientTransaction) sendResponse(res *sip.Response) {
	t.responses <- res
}

// fakeServerTransaction is the inbound-side counterpart, standing in for
// sip.ServerTransaction wherever a test needs to admit or drive an inbound
// request (AdmitInvite, ReceiveRequest).
type fakeServerTransaction struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	acks      chan *sip.Request
	cancels   chan *sip.Request
}

func newFakeServerTransaction() *fakeServerTransaction {
	return &fakeServerTransaction{
		done:    make(chan struct{}),
		acks:    make(chan *sip.Request, 1),
		cancels: make(chan *sip.Request, 1),
	}
}

func (t *fakeServerTransaction) Respond(res *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, res)
	return nil
}

func (t *fakeServerTransaction) Done() <-chan struct{}          { return t.done }
func (t *fakeServerTransaction) Err() error                     { return nil }
func (t *fakeServerTransaction) Terminate()                     {}
func (t *fakeServerTransaction) String() string                 { return "fakeServerTransaction" }
func (t *fakeServerTransaction) Acks() <-chan *sip.Request       { return t.acks }
func (t *fakeServerTransaction) Cancels() <-chan *sip.Request    { return t.cancels }

func (t *fakeServerTransaction) lastResponse() *sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return nil
	}
	return t.responses[len(t.responses)-1]
}

func (t *fakeServerTransaction) responseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.responses)
}

// fakeTransport is the Transport a test Session is built with: it records
// every request a Session sends and hands back a fakeClientTransaction the
// test can feed responses into.
type fakeTransport struct {
	mu        sync.Mutex
	sent      []*sip.Request
	txByIndex []*fakeClientTransaction
	onRequest func(req *sip.Request, tx *fakeClientTransaction)
	failNext  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) TransactionRequest(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	f.mu.Lock()
	if f.failNext {
		f.failNext = false
		f.mu.Unlock()
		return nil, fmt.Errorf("fakeTransport: forced failure")
	}
	tx := newFakeClientTransaction()
	f.sent = append(f.sent, req)
	f.txByIndex = append(f.txByIndex, tx)
	cb := f.onRequest
	f.mu.Unlock()
	if cb != nil {
		cb(req, tx)
	}
	return tx, nil
}

func (f *fakeTransport) lastRequest() *sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) lastTx() *fakeClientTransaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.txByIndex) == 0 {
		return nil
	}
	return f.txByIndex[len(f.txByIndex)-1]
}

func (f *fakeTransport) requestsOfMethod(method sip.RequestMethod) []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*sip.Request
	for _, r := range f.sent {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// --- SIP message builders shared by the test files in this package ---

func mustParseURI(raw string) sip.Uri {
	var u sip.Uri
	if err := sip.ParseUri(raw, &u); err != nil {
		panic(err)
	}
	return u
}

// newInboundInvite builds an initial INVITE as it would arrive from a remote
// caller, for AdmitInvite-driven tests.
func newInboundInvite(callID, fromTag, fromURI, toURI, body string) *sip.Request {
	target := mustParseURI(toURI)
	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(sip.NewHeader("Call-ID", callID))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "caller",
		Address:     mustParseURI(fromURI),
		Params:      sip.HeaderParams{"tag": fromTag},
	})
	req.AppendHeader(&sip.ToHeader{Address: target})
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))
	req.AppendHeader(sip.NewHeader("Contact", "<"+fromURI+">"))
	if body != "" {
		req.SetBody([]byte(body))
		sdpContentHeaders(req, len(body))
	}
	return req
}

// newUACResponse builds a response to req as the remote UAS would send it,
// with an optional To-tag, Contact and body, for outbound-INVITE tests.
func newUACResponse(req *sip.Request, code int, reason, toTag, contact, body string) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, reason, []byte(body))
	if toTag != "" {
		if to := res.To(); to != nil {
			to.Params = sip.HeaderParams{"tag": toTag}
		}
	}
	if contact != "" {
		res.AppendHeader(sip.NewHeader("Contact", contact))
	}
	if body != "" {
		sdpContentHeaders(res, len(body))
	}
	return res
}
