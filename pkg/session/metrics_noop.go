//go:build !metrics

package session

// Metrics is a no-op stand-in used when the "metrics" build tag is not
// set, so the package never pulls in client_golang unless a consumer asks
// for it (mirrors the teacher's metrics_simple.go split).
type Metrics struct{}

func GetMetrics(namespace, subsystem string) *Metrics { return &Metrics{} }

func (m *Metrics) SessionStarted()                   {}
func (m *Metrics) SessionEnded(cause Cause)           {}
func (m *Metrics) SessionFailed(cause Cause)          {}
func (m *Metrics) EventEmitted(evt EventType)         {}
func (m *Metrics) TimerFired(kind TimeoutKind)        {}
func (m *Metrics) NegotiationQueueDepth(n int)        {}
func (m *Metrics) EarlyDialogCount(n int)             {}
