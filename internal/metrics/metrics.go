package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rickgao/deribit-session/internal/poller"
	"github.com/rickgao/deribit-session/internal/ratelimit"
	"github.com/rickgao/deribit-session/internal/router"
	"github.com/rickgao/deribit-session/internal/rpc"
	"github.com/rickgao/deribit-session/internal/session"
)

const namespace = "deribit_session"

// Metrics records session, rate limiter, sink and writer measurements.
// It implements session.Telemetry.
type Metrics struct {
	reg prometheus.Registerer

	calls         *prometheus.CounterVec
	callDuration  *prometheus.HistogramVec
	rateLimited   *prometheus.CounterVec
	connects      prometheus.Counter
	epoch         prometheus.Gauge
	disconnects   *prometheus.CounterVec
	reconnects    prometheus.Counter
	reconnectTry  prometheus.Gauge
	authStatus    *prometheus.GaugeVec
	subscriptions *prometheus.GaugeVec
	replays       *prometheus.CounterVec
	probes        prometheus.Counter
	notifications *prometheus.CounterVec
	restarts      prometheus.Counter
	fatal         prometheus.Gauge
	rowsWritten   prometheus.Counter
	writeErrors   prometheus.Counter
	batchDuration prometheus.Histogram
	batchSize     prometheus.Histogram
}

var authStatuses = []session.AuthStatus{
	session.AuthUnauthenticated,
	session.AuthAuthenticating,
	session.AuthAuthenticated,
	session.AuthRefreshing,
	session.AuthFailed,
}

// New creates and registers session metrics on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Completed RPC calls by method, rate-limit class and outcome.",
		}, []string{"method", "class", "outcome"}),
		callDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "RPC round-trip latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"class"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Venue rate-limit rejections by method.",
		}, []string{"method"}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Successful connections.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_epoch",
			Help:      "Current connection epoch.",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Connection losses by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		reconnectTry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconnect_attempt",
			Help:      "Consecutive failed connection attempts (0 while connected).",
		}),
		authStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "auth_status",
			Help:      "1 for the current auth status, 0 otherwise.",
		}, []string{"status"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Registered channel subscriptions by state.",
		}, []string{"state"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Subscription replays after reconnect by outcome.",
		}, []string{"outcome"}),
		probes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_answered_total",
			Help:      "Venue liveness probes answered.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Subscription notifications routed, by channel.",
		}, []string{"channel"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Session actor restarts after a panic.",
		}),
		fatal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fatal",
			Help:      "1 once the session gave up reconnecting.",
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_total",
			Help:      "Notifications persisted.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "errors_total",
			Help:      "Failed notification batches.",
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "batch_duration_seconds",
			Help:      "Time to persist one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "batch_size",
			Help:      "Notifications per batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	collectors := []prometheus.Collector{
		m.calls, m.callDuration, m.rateLimited, m.connects, m.epoch,
		m.disconnects, m.reconnects, m.reconnectTry, m.authStatus,
		m.subscriptions, m.replays, m.probes, m.notifications, m.restarts,
		m.fatal, m.rowsWritten, m.writeErrors, m.batchDuration, m.batchSize,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.AuthStatus(session.AuthUnauthenticated)
	return m, nil
}

// Handler returns an HTTP handler exposing the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CallCompleted records one finished call.
func (m *Metrics) CallCompleted(method string, class ratelimit.Class, elapsed time.Duration, err error) {
	m.calls.WithLabelValues(method, string(class), outcome(err)).Inc()
	if err == nil {
		m.callDuration.WithLabelValues(string(class)).Observe(elapsed.Seconds())
	}
}

// outcome maps a call error to a bounded label value.
func outcome(err error) string {
	var rpcErr *rpc.Error
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rpc.ErrTimeout):
		return "timeout"
	case errors.Is(err, rpc.ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ratelimit.ErrRateLimited), errors.Is(err, ratelimit.ErrQueueFull):
		return "throttled"
	case errors.As(err, &rpcErr):
		return "venue_error"
	default:
		return "error"
	}
}

func (m *Metrics) RateLimited(method string) {
	m.rateLimited.WithLabelValues(method).Inc()
}

func (m *Metrics) Connected(epoch uint64) {
	m.connects.Inc()
	m.epoch.Set(float64(epoch))
	m.reconnectTry.Set(0)
}

func (m *Metrics) Disconnected(reason session.DisconnectReason) {
	m.disconnects.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) Reconnecting(attempt int) {
	m.reconnects.Inc()
	m.reconnectTry.Set(float64(attempt))
}

// AuthStatus sets the status gauge to 1 for status and 0 for the rest.
func (m *Metrics) AuthStatus(status session.AuthStatus) {
	for _, s := range authStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.authStatus.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) Subscriptions(active, total int) {
	m.subscriptions.WithLabelValues("active").Set(float64(active))
	m.subscriptions.WithLabelValues("inactive").Set(float64(total - active))
}

func (m *Metrics) ReplayCompleted(channel string, err error) {
	if err != nil {
		m.replays.WithLabelValues("failed").Inc()
		return
	}
	m.replays.WithLabelValues("ok").Inc()
}

func (m *Metrics) ProbeAnswered() { m.probes.Inc() }

func (m *Metrics) NotificationRouted(channel string) {
	m.notifications.WithLabelValues(channel).Inc()
}

func (m *Metrics) Restarted() { m.restarts.Inc() }

func (m *Metrics) Fatal() { m.fatal.Set(1) }

// BatchWritten records one persisted batch.
func (m *Metrics) BatchWritten(rows int, elapsed time.Duration, err error) {
	m.batchSize.Observe(float64(rows))
	m.batchDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.writeErrors.Inc()
		return
	}
	m.rowsWritten.Add(float64(rows))
}

// WatchBucket exports the bucket's state as gauges sampled at scrape time.
func (m *Metrics) WatchBucket(b *ratelimit.Bucket) error {
	gauges := map[string]func(ratelimit.Snapshot) float64{
		"available":          func(s ratelimit.Snapshot) float64 { return s.Available },
		"effective_capacity": func(s ratelimit.Snapshot) float64 { return s.EffectiveCapacity },
		"backoff_multiplier": func(s ratelimit.Snapshot) float64 { return s.Multiplier },
		"queued":             func(s ratelimit.Snapshot) float64 { return float64(s.Queued) },
	}
	for name, read := range gauges {
		read := read
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      name,
			Help:      "Token bucket " + name + ".",
		}, func() float64 { return read(b.Snapshot()) })
		if err := m.reg.Register(g); err != nil {
			return err
		}
	}
	return m.reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Venue rate-limit rejections seen by the bucket.",
	}, func() float64 { return float64(b.Snapshot().Rejections) }))
}

// WatchSink exports a notification sink's queue under the given name label.
func (m *Metrics) WatchSink(name string, s *router.Sink) error {
	labels := prometheus.Labels{"sink": name}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "pending",
			Help:        "Notifications queued for delivery.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Stats().Queue.Len) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "delivered_total",
			Help:        "Notifications delivered to the target.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Stats().Delivered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "sink",
			Name:        "dropped_total",
			Help:        "Notifications dropped on overflow or after stop.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.Stats().Dropped) }),
	}
	for _, c := range collectors {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// WatchPool exports connection pool statistics.
func (m *Metrics) WatchPool(pool *pgxpool.Pool) error {
	gauges := map[string]func(*pgxpool.Stat) float64{
		"total_conns":    func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) },
		"idle_conns":     func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) },
		"acquired_conns": func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) },
	}
	for name, read := range gauges {
		read := read
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      name,
			Help:      "Connection pool " + name + ".",
		}, func() float64 { return read(pool.Stat()) })
		if err := m.reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}

// WatchPoller exports snapshot poller progress.
func (m *Metrics) WatchPoller(p *poller.Poller) error {
	counters := map[string]func(poller.Stats) int64{
		"cycles_total":  func(s poller.Stats) int64 { return s.Cycles },
		"fetched_total": func(s poller.Stats) int64 { return s.Fetched },
		"errors_total":  func(s poller.Stats) int64 { return s.Errors },
	}
	for name, read := range counters {
		c := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshots",
			Name:      name,
			Help:      "Snapshot poller " + name + ".",
		}, func() float64 { return float64(read(p.Stats())) })
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// BuildInfo exports a constant 1 labelled with the running build.
func (m *Metrics) BuildInfo(version, commit string) error {
	return m.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Build information of the running daemon.",
		ConstLabels: prometheus.Labels{"version": version, "commit": commit},
	}, func() float64 { return 1 }))
}
