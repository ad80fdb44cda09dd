package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"github.com/ccassar/elector"
	"github.com/ccassar/elector/coord"
	"github.com/ccassar/elector/coord/localstore"
	"github.com/ccassar/elector/coord/zkstore"
	"github.com/google/uuid"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// leadershipFollower reports leadership transitions through the health service; the local instance is SERVING
// only while it leads.
type leadershipFollower struct {
	lg      *zap.SugaredLogger
	health  *health.Server
	service string
}

func (f *leadershipFollower) TakeLeadership() {
	f.lg.Infow("leadership taken")
	if f.health != nil {
		f.health.SetServingStatus(f.service, healthpb.HealthCheckResponse_SERVING)
	}
}

func (f *leadershipFollower) RevokeLeadership() {
	f.lg.Infow("leadership revoked")
	if f.health != nil {
		f.health.SetServingStatus(f.service, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

func (f *leadershipFollower) LeadershipChanged(leader string) {
	f.lg.Infow("following", "leader", leader)
}

func (a *app) run(sigChan chan os.Signal, lcfg zap.Config) {

	err := a.configure(lcfg)
	if err != nil {
		os.Exit(-1)
	}

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if a.healthServer != nil {
		wg.Add(1)
		go a.serveHealth(ctx, &wg)
	}

	wg.Add(1)
	e, err := elector.MakeElector(ctx, &wg, a.ec, a.follower, a.opts...)
	if err != nil {
		a.lg.Errorf("application failed to create elector: %v", err)
		cancel()
		wg.Wait()
		os.Exit(-1)
	}

	err = e.Join()
	if err != nil {
		a.lg.Errorw("application failed to join election", "err", err)
	}

	a.lg.Infow("application loop started", "candidate", a.candidate, "election", a.ec.ElectionPath)

	select {
	case <-sigChan:
		// Leave first so a follower can take over while we wind down.
		a.lg.Info("application received shutdown signal, leaving election")
		e.Leave()
		waitForLeave(e, a.leaveTimeout)
	case err = <-e.FatalErrorChannel():
		a.lg.Errorw("fatal error from elector", "err", err)
	}

	cancel()
	wg.Wait()

	if a.closeStore != nil {
		a.closeStore()
	}
}

// waitForLeave polls until the candidate node is gone, or the timeout expires.
func waitForLeave(e *elector.Elector, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.CandidatePath() != "" && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 50)
	}
}

func (a *app) serveHealth(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	go func() {
		<-ctx.Done()
		a.healthServer.GracefulStop()
	}()

	err := a.healthServer.Serve(a.healthListener)
	if err != nil {
		a.lg.Errorw("health server stopped serving", "err", err)
	}
}

// appCfg is the recipient of the JSON configuration.
type appCfg struct {
	// Store is either "zookeeper" (default) or "local".
	Store string
	// Servers in the ZooKeeper ensemble, host:port.
	Servers []string
	// SessionTimeout requested from ZooKeeper, e.g. "10s".
	SessionTimeout string
	// LocalDB is the location of the bbolt db file backing the local store. In memory if not set.
	LocalDB string
	// ElectionPath shared by all the candidates, e.g. /services/billing/leader.
	ElectionPath string
	// LeaveTimeout bounds the wait for a graceful leave on shutdown, e.g. "5s".
	LeaveTimeout string
	// Set up metrics export.
	Metrics struct {
		// e.g. localhost:9000
		Endpoint string
		// e.g. /metrics
		Path string
		// e.g. myAppNamespace
		Namespace string
	}
	// Set up a gRPC health service which reports SERVING only on the leader.
	Health struct {
		// e.g. localhost:9001
		Endpoint string
		// Service name reported by the health service, e.g. billing. Defaults to "" (whole server).
		Service string
	}
}

type app struct {
	// Prepared elector configuration.
	ec elector.ElectorConfig
	// Prepare options.
	opts []elector.ElectorOption
	// Identity of this candidate, stored in the candidate node.
	candidate    string
	follower     *leadershipFollower
	leaveTimeout time.Duration
	closeStore   func()
	// Leader aware health service, if configured.
	healthServer   *grpc.Server
	healthListener net.Listener
	// Configuration file.
	cfgFile string
	// logging configuration.
	lg          *zap.SugaredLogger
	debug       bool
	zapFile     string
	zapEncoding string
}

// configure processes configuration file to build ElectorConfig and subset of options we support in the example
// app.
func (a *app) configure(lcfg zap.Config) error {

	if a.debug {
		lcfg.Level.SetLevel(zapcore.DebugLevel)
	}

	if a.zapEncoding != "" {
		lcfg.Encoding = a.zapEncoding
	}

	if a.zapFile != "" {
		lcfg.OutputPaths = []string{a.zapFile}
	}

	lcfg.DisableStacktrace = true
	lg, err := lcfg.Build()
	if err != nil {
		fmt.Println("Failed to start app with logger configuration failure", err)
		return err
	}
	a.lg = lg.Sugar()

	//
	// Next, let's load configuration file.
	fstream, err := ioutil.ReadFile(a.cfgFile)
	if err != nil {
		a.lg.Errorf("Failed to load configuration file [%v]", err)
		return err
	}

	var ac appCfg
	err = json.Unmarshal(fstream, &ac)
	if err != nil {
		a.lg.Errorf("Failed to unmarshal configuration file [%v]", err)
		return err
	}

	hostname, _ := os.Hostname()
	a.candidate = fmt.Sprintf("%s:%s", hostname, uuid.New().String())
	a.follower = &leadershipFollower{lg: a.lg.Named("app"), service: ac.Health.Service}

	a.ec = elector.NewElectorConfig()
	a.ec.ElectionPath = ac.ElectionPath
	a.ec.CandidateValue = []byte(a.candidate)

	a.ec.NewClient, err = a.configureStore(ac)
	if err != nil {
		return err
	}

	a.opts = []elector.ElectorOption{elector.WithLogger(lg)}

	if ac.LeaveTimeout != "" {
		a.leaveTimeout, err = time.ParseDuration(ac.LeaveTimeout)
		if err != nil {
			a.lg.Errorf("Failed to parse LeaveTimeout [%v]", err)
			return err
		}
	} else {
		a.leaveTimeout = time.Second * 5
	}

	var metricsReg *prometheus.Registry
	if ac.Metrics.Endpoint != "" {

		metricsReg = prometheus.NewRegistry()
		handler := promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{})

		handlerMux := http.NewServeMux()
		handlerMux.Handle(ac.Metrics.Path, handler)
		metricServer := &http.Server{
			Addr:    ac.Metrics.Endpoint,
			Handler: handlerMux,
		}

		go func() {
			err := metricServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				a.lg.Errorf("Failed to serve metrics for application, cfg: '%s' [%+v]", ac.Metrics, err)
			}
		}()

		a.opts = append(a.opts, elector.WithMetrics(metricsReg, ac.Metrics.Namespace))
	}

	if ac.Health.Endpoint != "" {
		err = a.configureHealth(ac, metricsReg)
		if err != nil {
			return err
		}
	}

	return nil
}

// configureStore returns the factory used by the elector to reach the coordination store.
func (a *app) configureStore(ac appCfg) (coord.Factory, error) {

	switch ac.Store {
	case "", "zookeeper":
		zcfg := zkstore.Config{Servers: ac.Servers}
		if ac.SessionTimeout != "" {
			timeout, err := time.ParseDuration(ac.SessionTimeout)
			if err != nil {
				a.lg.Errorf("Failed to parse SessionTimeout '%s' [%v]", ac.SessionTimeout, err)
				return nil, err
			}
			zcfg.SessionTimeout = timeout
		}
		return zkstore.NewFactory(zcfg, a.lg), nil

	case "local":
		var store *localstore.Store
		if ac.LocalDB != "" {
			var err error
			store, err = localstore.Open(ac.LocalDB, nil, a.lg)
			if err != nil {
				a.lg.Errorf("Failed to open local store '%s' [%v]", ac.LocalDB, err)
				return nil, err
			}
		} else {
			store = localstore.New(a.lg)
		}
		a.closeStore = func() { store.Close() }
		return store.Factory(), nil
	}

	err := fmt.Errorf("unknown store '%s', expected 'zookeeper' or 'local'", ac.Store)
	a.lg.Error(err)
	return nil, err
}

// configureHealth sets up the gRPC server carrying the leader aware health service. It starts out NOT_SERVING.
func (a *app) configureHealth(ac appCfg, metricsReg *prometheus.Registry) error {

	listener, err := net.Listen("tcp", ac.Health.Endpoint)
	if err != nil {
		a.lg.Errorf("Failed to listen on health endpoint '%s' [%v]", ac.Health.Endpoint, err)
		return err
	}

	unaryInterceptorChain := []grpc.UnaryServerInterceptor{
		grpc_ctxtags.UnaryServerInterceptor(),
		grpc_zap.UnaryServerInterceptor(
			a.lg.Named("GRPC_S").Desugar(),
			// Health checks are frequent; keep them out of the way.
			grpc_zap.WithLevels(func(code codes.Code) zapcore.Level { return zapcore.DebugLevel })),
	}

	var sm *grpc_prometheus.ServerMetrics
	if metricsReg != nil {
		sm = grpc_prometheus.NewServerMetrics()
		metricsReg.MustRegister(sm)
		unaryInterceptorChain = append(unaryInterceptorChain, sm.UnaryServerInterceptor())
	}

	a.healthServer = grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 2,
			PermitWithoutStream: true,
		}),
		grpc_middleware.WithUnaryServerChain(unaryInterceptorChain...))
	a.healthListener = listener

	hs := health.NewServer()
	hs.SetServingStatus(ac.Health.Service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(a.healthServer, hs)
	reflection.Register(a.healthServer)
	a.follower.health = hs

	if sm != nil {
		// Export the per method series before the first health check comes in.
		sm.InitializeMetrics(a.healthServer)
	}

	return nil
}

func main() {

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGABRT)

	var a app

	flag.BoolVar(&a.debug, "debug", false, "enable debug")
	flag.StringVar(&a.cfgFile, "config", "app.json", "specify a configuration filename")
	flag.StringVar(&a.zapEncoding, "zapEncoding", "console", "specify application zap log encoding")
	flag.StringVar(&a.zapFile, "zapFile", "", "specify application zap log file (log to stderr if not set)")
	flag.Parse()

	a.run(sigChan, elector.DefaultZapLoggerConfig())
}
