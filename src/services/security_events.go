package services

import (
	"context"
	"sync"
	"time"

	"github.com/khabaroff/gatekeeper/src/counters"
	"github.com/khabaroff/gatekeeper/src/logging"
	"github.com/khabaroff/gatekeeper/src/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// SecurityEventSink receives every allow/deny decision the gateway makes.
// Implementations must not block the request path.
type SecurityEventSink interface {
	Record(ctx context.Context, event models.SecurityEvent)
}

// Emit stamps the event with time and request id before handing it to sink
func Emit(ctx context.Context, sink SecurityEventSink, event models.SecurityEvent) {
	if sink == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	if event.RequestID == "" {
		event.RequestID = logging.RequestIDFromContext(ctx)
	}
	sink.Record(ctx, event)
}

// LogSink writes events to the structured log
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging under the "security" component
func NewLogSink() *LogSink {
	return &LogSink{logger: logging.NewLogger("security")}
}

// Record implements SecurityEventSink
func (s *LogSink) Record(_ context.Context, e models.SecurityEvent) {
	ev := s.logger.Info()
	if e.Outcome == models.OutcomeDeny {
		ev = s.logger.Warn()
	}
	if e.Kind == models.EventEscalation || e.Kind == models.EventLockout {
		ev = s.logger.Error()
	}

	ev = ev.Str("kind", e.Kind).
		Str("outcome", string(e.Outcome)).
		Str("request_id", e.RequestID)
	if e.Identity != "" {
		ev = ev.Str("identity", e.Identity)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.ClientIP != "" {
		ev = ev.Str("client_ip", e.ClientIP)
	}
	if e.Path != "" {
		ev = ev.Str("path", e.Path)
	}
	for k, v := range e.Detail {
		ev = ev.Str(k, v)
	}
	ev.Msg("security event")
}

// MetricsSink counts decisions by kind, outcome and reason
type MetricsSink struct {
	decisions *prometheus.CounterVec
}

// NewMetricsSink registers the decision counter with reg
func NewMetricsSink(reg prometheus.Registerer) *MetricsSink {
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatekeeper",
		Name:      "security_decisions_total",
		Help:      "Gateway allow/deny decisions by kind and reason.",
	}, []string{"kind", "outcome", "reason"})
	reg.MustRegister(decisions)
	return &MetricsSink{decisions: decisions}
}

// Record implements SecurityEventSink
func (s *MetricsSink) Record(_ context.Context, e models.SecurityEvent) {
	s.decisions.WithLabelValues(e.Kind, string(e.Outcome), e.Reason).Inc()
}

// MultiSink fans an event out to several sinks
type MultiSink []SecurityEventSink

// Record implements SecurityEventSink
func (m MultiSink) Record(ctx context.Context, e models.SecurityEvent) {
	for _, s := range m {
		if s != nil {
			s.Record(ctx, e)
		}
	}
}

// RecentEventsSink keeps the last N events in memory for the admin API
type RecentEventsSink struct {
	mu     sync.Mutex
	events []models.SecurityEvent
	next   int
	full   bool
}

// NewRecentEventsSink creates a ring buffer holding capacity events
func NewRecentEventsSink(capacity int) *RecentEventsSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &RecentEventsSink{events: make([]models.SecurityEvent, capacity)}
}

// Record implements SecurityEventSink
func (s *RecentEventsSink) Record(_ context.Context, e models.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.next] = e
	s.next = (s.next + 1) % len(s.events)
	if s.next == 0 {
		s.full = true
	}
}

// Events returns buffered events, newest first
func (s *RecentEventsSink) Events() []models.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.next
	if s.full {
		n = len(s.events)
	}
	out := make([]models.SecurityEvent, 0, n)
	for i := 1; i <= n; i++ {
		idx := (s.next - i + len(s.events)) % len(s.events)
		out = append(out, s.events[idx])
	}
	return out
}

// Find returns buffered events of the given kind, newest first
func (s *RecentEventsSink) Find(kind string) []models.SecurityEvent {
	var out []models.SecurityEvent
	for _, e := range s.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// defaultEscalationTimeout bounds the counter round trip made per denial
const defaultEscalationTimeout = 50 * time.Millisecond

// EscalationSink raises a security.escalation event when one client IP
// collects threshold denials within window. It fires once per window.
// A counter store slower than timeout skips the count for that denial.
type EscalationSink struct {
	next      SecurityEventSink
	store     counters.Store
	threshold int
	window    time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewEscalationSink wraps next; denials are counted in store
func NewEscalationSink(next SecurityEventSink, store counters.Store, threshold int, window time.Duration) *EscalationSink {
	return &EscalationSink{
		next:      next,
		store:     store,
		threshold: threshold,
		window:    window,
		timeout:   defaultEscalationTimeout,
		now:       time.Now,
		logger:    logging.NewLogger("escalation"),
	}
}

// Record implements SecurityEventSink
func (s *EscalationSink) Record(ctx context.Context, e models.SecurityEvent) {
	s.next.Record(ctx, e)

	if e.Outcome != models.OutcomeDeny || e.ClientIP == "" || s.threshold <= 0 {
		return
	}
	if e.Kind == models.EventEscalation {
		return
	}

	admitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	d, err := s.store.Admit(admitCtx, "escalation:"+e.ClientIP, s.threshold, s.window, s.now())
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Str("client_ip", e.ClientIP).Msg("escalation count skipped")
		return
	}
	if !d.Allowed || d.Count != s.threshold {
		return
	}

	s.next.Record(ctx, models.SecurityEvent{
		Time:      s.now(),
		Kind:      models.EventEscalation,
		Outcome:   models.OutcomeDeny,
		Identity:  e.Identity,
		Reason:    "repeated_denials",
		RequestID: e.RequestID,
		ClientIP:  e.ClientIP,
		Path:      e.Path,
		Detail:    map[string]string{"last_reason": e.Reason},
	})
}

var (
	_ SecurityEventSink = (*LogSink)(nil)
	_ SecurityEventSink = (*MetricsSink)(nil)
	_ SecurityEventSink = MultiSink(nil)
	_ SecurityEventSink = (*RecentEventsSink)(nil)
	_ SecurityEventSink = (*EscalationSink)(nil)
)
