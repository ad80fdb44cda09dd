package elector

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsHolder holds metrics from the elector's perspective.
//
// Aim to track;
// - errors
// - utilisation
// - saturation
//
// http://www.brendangregg.com/usemethod.html
//
// All methods are safe to call on a nil holder; metrics are disabled unless WithMetrics is passed to MakeElector.
type metricsHolder struct {
	registry prometheus.Registerer
	//
	// Metrics
	leaderGauge        prometheus.Gauge
	transitionsCounter *prometheus.CounterVec
	refreshesCounter   *prometheus.CounterVec
	errorsCounter      *prometheus.CounterVec
	clientResets       prometheus.Counter
	queueDepthGauge    prometheus.Gauge
}

// Transition kinds, used as the value of the kind label on transitions_total.
const (
	transitionTake    = "take"
	transitionRevoke  = "revoke"
	transitionChanged = "changed"
)

// Set up a metricsHolder to collect metrics for a given election.
func initMetrics(registry prometheus.Registerer, namespace string, electionPath string) (*metricsHolder, error) {

	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	mh := &metricsHolder{registry: registry}

	// Const label identifies the election; a process can take part in more than one.
	constLabels := map[string]string{"election": electionPath}

	mh.leaderGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "leader",
		Help:        "leader is 1 while the local candidate holds leadership, 0 otherwise.",
		ConstLabels: constLabels,
	})

	mh.transitionsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "transitions_total",
		Help:        "transitions_total counts leadership handler callbacks by kind (take, revoke, changed).",
		ConstLabels: constLabels,
	}, []string{"kind"})

	mh.refreshesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "refreshes_total",
		Help:        "refreshes_total counts state refreshes by the session state observed.",
		ConstLabels: constLabels,
	}, []string{"session"})

	mh.errorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "errors_total",
		Help:        "errors_total counts coordination store request failures by elector operation.",
		ConstLabels: constLabels,
	}, []string{"op"})

	mh.clientResets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "client_resets_total",
		Help:        "client_resets_total counts the times the coordination client was discarded and recreated.",
		ConstLabels: constLabels,
	})

	mh.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "elector",
		Name:        "queue_depth",
		Help:        "queue_depth is the number of events waiting to be handled (saturation).",
		ConstLabels: constLabels,
	})

	collectors := mh.collectors()
	for i, c := range collectors {
		if err := registry.Register(c); err != nil {
			// Only back out what we registered; a clash means somebody else owns identical collectors.
			for _, registered := range collectors[:i] {
				registry.Unregister(registered)
			}
			return nil, electorErrorf(err, "registering elector metrics failed")
		}
	}

	return mh, nil
}

func (mh *metricsHolder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		mh.leaderGauge, mh.transitionsCounter, mh.refreshesCounter, mh.errorsCounter, mh.clientResets,
		mh.queueDepthGauge}
}

// unregister removes the elector metrics from the registry, so that a later elector for the same election can
// register afresh.
func (mh *metricsHolder) unregister() {
	if mh == nil {
		return
	}
	for _, c := range mh.collectors() {
		mh.registry.Unregister(c)
	}
}

func (mh *metricsHolder) leader(isLeader bool) {
	if mh == nil {
		return
	}
	if isLeader {
		mh.leaderGauge.Set(1)
	} else {
		mh.leaderGauge.Set(0)
	}
}

func (mh *metricsHolder) transition(kind string) {
	if mh == nil {
		return
	}
	mh.transitionsCounter.WithLabelValues(kind).Inc()
}

func (mh *metricsHolder) refresh(session string) {
	if mh == nil {
		return
	}
	mh.refreshesCounter.WithLabelValues(session).Inc()
}

func (mh *metricsHolder) failure(op string) {
	if mh == nil {
		return
	}
	mh.errorsCounter.WithLabelValues(op).Inc()
}

func (mh *metricsHolder) clientReset() {
	if mh == nil {
		return
	}
	mh.clientResets.Inc()
}

func (mh *metricsHolder) queueDepth(depth int) {
	if mh == nil {
		return
	}
	mh.queueDepthGauge.Set(float64(depth))
}
