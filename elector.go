package elector

import (
	"context"
	"github.com/cenkalti/backoff"
	"github.com/ccassar/elector/coord"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"strings"
	"sync"
	"time"
)

// ElectorConfig is configuration for the local candidate. Package expects configuration to be passed in when
// starting up the elector using MakeElector.
type ElectorConfig struct {
	// ElectionPath is the node under which candidates register; every candidate taking part in the same election
	// must use the same path. The path is created if missing. It must be absolute, e.g. "/services/billing/leader".
	ElectionPath string
	// NodePrefix is the name given to candidate nodes, ahead of the sequence number appended by the store.
	NodePrefix string
	// CandidateValue is stored in the candidate node. It is opaque to the elector; applications typically store
	// something which lets followers reach the leader (an address, an identity).
	CandidateValue []byte
	// NewClient is used to create the coordination store client, and to recreate it whenever the session is lost
	// for good. See packages coord/zkstore and coord/localstore.
	NewClient coord.Factory
}

// DefaultNodePrefix is the candidate node name prefix used unless configured otherwise.
const DefaultNodePrefix = "candidate_"

// NewElectorConfig returns an ElectorConfig structure initialised with sensible defaults where possible. Caller
// will need to set up ElectionPath and NewClient as a minimum before using ElectorConfig in MakeElector.
func NewElectorConfig() ElectorConfig {
	return ElectorConfig{NodePrefix: DefaultNodePrefix}
}

// ElectorConfig.validate: provides validation function for the configuration presented by user. Defaults are also
// set if necessary.
func (cfg *ElectorConfig) validate() error {

	if cfg.ElectionPath == coord.PathSeparator {
		return electorErrorf(ElectorErrorMissingConfig, "root may not be used as ElectionPath")
	}

	if err := coord.ValidatePath(cfg.ElectionPath); err != nil {
		return electorErrorf(ElectorErrorMissingConfig,
			"ElectionPath %q should be an absolute path e.g. '/services/billing/leader' [%v]", cfg.ElectionPath, err)
	}

	if cfg.NodePrefix == "" {
		cfg.NodePrefix = DefaultNodePrefix
	}

	if strings.Contains(cfg.NodePrefix, coord.PathSeparator) {
		return electorErrorf(ElectorErrorMissingConfig, "NodePrefix %q may not contain '/'", cfg.NodePrefix)
	}

	if cfg.NewClient == nil {
		return electorErrorf(ElectorErrorMissingConfig,
			"no coordination client factory provided in NewClient, e.g. zkstore.NewFactory(...)")
	}

	return nil
}

// LeadershipHandler is implemented by the application to learn about leadership transitions. Callbacks are invoked
// one at a time, from the elector's own goroutine, and never concurrently with each other. Callbacks should return
// promptly; the elector handles nothing else while a callback runs.
type LeadershipHandler interface {
	// TakeLeadership is called when the local candidate becomes leader.
	TakeLeadership()
	// RevokeLeadership is called when the local candidate stops being leader, whatever the reason (session lost,
	// leaving the election, shutting down). Every TakeLeadership is eventually followed by one RevokeLeadership.
	RevokeLeadership()
	// LeadershipChanged is called, while following, when a different candidate is observed to lead. leader is the
	// full path of the leading candidate node; its value can be read from the store.
	LeadershipChanged(leader string)
}

// Elector takes part in an election on behalf of the local application. Public methods are safe for concurrent
// use.
type Elector struct {
	// Readonly state provided when the Elector is created.
	config  *ElectorConfig
	handler LeadershipHandler
	// queue serialises all the work done by the elector. The fields from here to the atomics are owned by the
	// queue goroutine, and must not be touched anywhere else.
	queue *eventQueue
	// joined tracks membership as requested by the application.
	joined bool
	// candidatePath is the path of our own candidate node, "" when we have none.
	candidatePath string
	// lastObservedLeader is the leader path reported last, so that followers report each change once.
	lastObservedLeader string
	client             coord.Client
	// generation is bumped every time the client is replaced. Notifications are tagged with the generation of
	// the client they came from, and ignored if the client has been replaced since.
	generation    uint64
	clientRetries uint64
	//
	// Mirrors and counters which can be read from any goroutine.
	isLeader         *atomic.Bool
	candidatePathRO  *atomic.String
	electionsChecked *atomic.Int64
	// fatalErrorFeedback feeds back fatal errors to the application.
	// Do not push into channel directly; use signalFatalError().
	fatalErrorFeedback chan error
	fatalErrorCount    *atomic.Int32
	// Track root cancel function used to clean up autonomously on fatal errors.
	cancel context.CancelFunc
	// metrics, if enabled through WithMetrics.
	metricsRegistry  prometheus.Registerer
	metricsNamespace string
	metricsEnabled   bool
	metrics          *metricsHolder
	// logger for Elector, configurable through WithLogger.
	logger *zap.SugaredLogger
}

// Join enters the local candidate into the election. Leadership, if and when it is acquired, is reported through
// the LeadershipHandler. Joining while joined is a noop.
func (e *Elector) Join() error {
	return e.queue.post(&membershipEvent{elector: e, join: true})
}

// Leave removes the local candidate from the election, revoking leadership if held. Work already queued (e.g. an
// entry into the election under way) completes first. Leaving while not joined is a noop.
func (e *Elector) Leave() error {
	return e.queue.post(&membershipEvent{elector: e, join: false})
}

// IsLeader reports whether the local candidate holds leadership. No request is made to the store.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// CandidatePath returns the path of the local candidate node, or "" if the candidate is not registered at the
// moment.
func (e *Elector) CandidatePath() string {
	return e.candidatePathRO.Load()
}

// FatalErrorChannel returns an error channel which is used by the Elector to signal an unrecoverable failure
// asynchronously to the application. Such errors are expected to occur with vanishingly small probability; e.g.
// ElectorErrorLeadershipDisplaced if the elector finds another candidate leading while it believes it leads, or
// ElectorErrorClientUnrecoverable if the coordination client cannot be recreated. When a fatal error is
// registered, the elector revokes leadership if held, stops operating and marks the wait group done.
func (e *Elector) FatalErrorChannel() chan error {
	return e.fatalErrorFeedback
}

func (e *Elector) logKV() []interface{} {
	return []interface{}{
		"obj", "Elector",
		"election", e.config.ElectionPath,
		"candidate", e.candidatePathRO.Load(),
		"leader", e.isLeader.Load(),
		"fatalErrorCount", e.fatalErrorCount.Load()}
}

// signalFatalError allows package to indicate fatal error to the application, and shuts the elector down. If the
// buffered channel is full, we would just skip signalling yet again.
func (e *Elector) signalFatalError(err error) {

	e.fatalErrorCount.Inc()

	select {
	case e.fatalErrorFeedback <- err:
		e.logger.Errorw("elector, signalling fatal error", append(e.logKV(), electorErrKeyword, err)...)
	default:
		// If pushing to fatalErrorFeedback would block, one fatal error is pending already; as good as many.
		e.logger.Errorw("elector, skipped signalling fatal error, signalled already",
			append(e.logKV(), electorErrKeyword, err)...)
	}

	e.cancel()
}

// ElectorOption operator, operates on elector to manage configuration.
type ElectorOption func(*Elector) error

// WithLogger option is invoked by the application to provide a customised zap logger, or to disable logging. If the
// logger passed in is nil, the elector disables logging. If WithLogger is not used, the package uses its own
// logger built from DefaultZapLoggerConfig().
func WithLogger(logger *zap.Logger) ElectorOption {
	return func(e *Elector) error {
		if logger != nil {
			e.logger = logger.Sugar()
		} else {
			e.logger = zap.NewNop().Sugar()
		}
		return nil
	}
}

// WithMetrics option used with MakeElector to specify the metrics registry we should count in, and the namespace
// to use for the metric names. If nil is passed in for the registry, prometheus.DefaultRegisterer is used. Do note
// that the package does not set up serving metrics; that is up to the application. If WithMetrics is not passed
// in to MakeElector, metrics collection is disabled.
func WithMetrics(registry prometheus.Registerer, namespace string) ElectorOption {
	return func(e *Elector) error {
		e.metricsEnabled = true
		e.metricsRegistry = registry
		e.metricsNamespace = namespace
		return nil
	}
}

// WithClientRetry sets the number of times creating the coordination client is retried (with exponential backoff)
// before giving up. Giving up at start up fails MakeElector; giving up later is fatal.
func WithClientRetry(maxRetries uint64) ElectorOption {
	return func(e *Elector) error {
		e.clientRetries = maxRetries
		return nil
	}
}

const defaultClientRetries = 3

// MakeElector starts an elector for the election described by cfg. The elector does not enter the election until
// Join is called. handler is told about leadership transitions.
//
// Context can be cancelled to signal exit. WaitGroup wg should have 1 added to it prior to calling MakeElector and
// should be waited on by the caller before exiting following cancellation. Whether MakeElector returns successfully
// or not, WaitGroup will be marked Done() by the time the Elector has cleaned up. On the way out the elector revokes
// leadership (if held) and closes its coordination client, which removes its candidate node.
//
// If a fatal error is encountered this will be signalled over the channel returned by FatalErrorChannel, and the
// elector shuts itself down. As in the normal shutdown case, following receipt of a fatal error, caller should
// cancel context and wait for wait group before exiting.
//
// MakeElector also accepts logging, metrics and client retry options (see WithLogger, WithMetrics and
// WithClientRetry).
func MakeElector(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg ElectorConfig,
	handler LeadershipHandler,
	opts ...ElectorOption) (*Elector, error) {

	defer wg.Done()

	err := cfg.validate()
	if err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, electorErrorf(ElectorErrorMissingConfig, "no LeadershipHandler provided")
	}

	e := &Elector{
		config:        &cfg,
		handler:       handler,
		clientRetries: defaultClientRetries,
		// A single fatal error is sufficient to do the job, hence the buffered channel of one.
		fatalErrorFeedback: make(chan error, 1),
		fatalErrorCount:    atomic.NewInt32(0),
		isLeader:           atomic.NewBool(false),
		candidatePathRO:    atomic.NewString(""),
		electionsChecked:   atomic.NewInt64(0),
	}

	for _, opt := range opts {
		err := opt(e)
		if err != nil {
			return nil, electorErrorf(ElectorErrorBadMakeElectorOption, "applied option err [%v]", err)
		}
	}

	err = initLogging(e)
	if err != nil {
		return nil, electorErrorf(err, "init logging failed")
	}

	if e.metricsEnabled {
		e.metrics, err = initMetrics(e.metricsRegistry, e.metricsNamespace, cfg.ElectionPath)
		if err != nil {
			e.logger.Errorw("elector metrics failed to initialise", append(e.logKV(), electorErrKeyword, err)...)
			return nil, err
		}
	}

	e.queue = newEventQueue(e.metrics)

	// The first client is created inline, so that a bad factory fails MakeElector rather than later on.
	e.client, err = e.newClient()
	if err != nil {
		e.logger.Errorw("elector, initial coordination client failed", append(e.logKV(), electorErrKeyword, err)...)
		e.metrics.unregister()
		return nil, err
	}

	e.logger.Infow("elector, starting up (logging can be customised or disabled using WithLogger option)",
		e.logKV()...)

	rootCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	wg.Add(1)

	// Use an internal wait group we can wait on so we can clean up (e.g. flush the logger) on exit.
	var rootWg sync.WaitGroup
	rootWg.Add(1)
	go e.queue.run(rootCtx, &rootWg, e.logger, e.shutdown)

	// Wait for owner shutdown, wait for clean shutdown, then return.
	go func() {

		select {
		case <-rootCtx.Done():
			e.logger.Info("elector internal shutdown triggered")

		case <-ctx.Done():
			e.logger.Info("elector owner is requesting a shutdown")
		}

		cancel()
		rootWg.Wait()
		// flush the logger to make sure we get all the logs
		e.logger.Sync()
		wg.Done()
	}()

	return e, nil
}

// newClient creates a coordination client with a fresh watcher tagged with the current generation, retrying with
// exponential backoff.
func (e *Elector) newClient() (coord.Client, error) {

	var client coord.Client
	w := &electorWatcher{elector: e, generation: e.generation}

	err := backoff.RetryNotify(
		func() error {
			var err error
			client, err = e.config.NewClient(w)
			if err == nil && client == nil {
				err = electorErrorf(ElectorErrorMustFailed, "factory returned neither client nor error")
			}
			return err
		},
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.clientRetries),
		func(err error, next time.Duration) {
			e.logger.Debugw("coordination client creation failed, will retry",
				append(e.logKV(), electorErrKeyword, err, "retryIn", next.String())...)
		})
	if err != nil {
		return nil, electorErrorf(ElectorErrorClientUnrecoverable, "create coordination client [%v]", err)
	}

	return client, nil
}

// DefaultZapLoggerConfig provides a production logger configuration (logs Info and above, JSON to stderr, with
// stacktrace, caller and sampling disabled) which can be customised by application to produce its own logger based
// on the elector configuration. Any logger provided by the application will also have its name extended by the
// elector package to clearly identify that log message comes from the elector. For example, if the application log
// is named "foo", then the elector logs will be labelled with key "logger" value "foo.elector".
func DefaultZapLoggerConfig() zap.Config {

	lcfg := zap.NewProductionConfig()
	lcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	lcfg.DisableStacktrace = false
	lcfg.DisableCaller = true
	lcfg.Sampling = nil

	return lcfg
}

// initLogging ensures that e.logger points at something even if it is pointing to a noop logger.
func initLogging(e *Elector) error {

	if e.logger == nil {
		logger, err := DefaultZapLoggerConfig().Build()
		if err != nil {
			return electorErrorf(err, "failed to set up logging")
		}
		e.logger = logger.Sugar()
	}

	if e.logger == nil {
		return electorErrorf(
			ElectorErrorMissingLogger, "tried to set up a logger, but failed, zap did not indicate why")
	}

	e.logger = e.logger.Named("elector")

	return nil
}
