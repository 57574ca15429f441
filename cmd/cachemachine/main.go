package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
	"k8s.io/klog/v2"

	"github.com/lsst-sqre/cachemachine/internal/api"
	"github.com/lsst-sqre/cachemachine/internal/config"
	"github.com/lsst-sqre/cachemachine/internal/controller"
	"github.com/lsst-sqre/cachemachine/internal/health"
	"github.com/lsst-sqre/cachemachine/internal/inventory"
	"github.com/lsst-sqre/cachemachine/internal/metrics"
	"github.com/lsst-sqre/cachemachine/internal/puller"
	"github.com/lsst-sqre/cachemachine/internal/registry"

	_ "go.uber.org/automaxprocs"
)

var Version = "dev"

var (
	kubeconfig string
	configFile string
)

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&kubeconfig, "kubeconfig", "", "optional path to kubeconfig")
	flag.StringVar(&configFile, "config", "", "path to cachemachine config file")
}

func getClientConfig() (*rest.Config, error) {
	var (
		k8sConfig *rest.Config
		err       error
	)

	if kubeconfig != "" {
		k8sConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("build config from kubeconfig: %w", err)
		}
		return k8sConfig, nil
	}

	k8sConfig, err = rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("get in-cluster k8s config: %w", err)
	}

	return k8sConfig, nil
}

func configureLogging(cfg config.LoggerConfig) {
	if level, err := zerolog.ParseLevel(cfg.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	log.Logger = log.Logger.With().Str("system", cfg.System).Logger()
	klog.SetLogger(zerologr.New(&log.Logger))
}

func main() {
	flag.Parse()

	cfg, err := config.ParseConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot read cachemachine config")
	}

	configureLogging(cfg.LoggerConfig)

	k8sCfg, err := getClientConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build k8s client config")
	}

	k8sClient, err := kubernetes.NewForConfig(k8sCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build k8s client")
	}

	pullerCfg, err := cfg.Puller.ToPullerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("cannot build puller config")
	}

	metrics.Register()

	var (
		ctxWithLogger = log.Logger.WithContext(context.Background())
		wg            = sync.WaitGroup{}
		probes        = &Health{
			Liveness:  health.NewProbe("liveness"),
			Readiness: health.NewProbe("readiness"),
		}
	)

	ctx, cancel := signal.NotifyContext(ctxWithLogger, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	probes.Liveness.Enable()
	probes.Readiness.Disable()

	log.Info().Str("version", Version).Msg("cachemachine starting")

	inv := inventory.New(k8sClient)
	orch := puller.New(k8sClient, pullerCfg)
	reg := registry.NewRemoteClient(cfg.Registry.DefaultRegistry)
	manager := controller.NewManager(inv, orch, reg, cfg.TickInterval.Std())

	wg.Add(1)
	go func() {
		defer wg.Done()

		managerCtx, cancelManager := context.WithCancel(ctx)
		leaderelection.RunOrDie(managerCtx, leaderelection.LeaderElectionConfig{
			Lock: &resourcelock.LeaseLock{
				LeaseMeta: metav1.ObjectMeta{
					Name:      cfg.LeaderElectionConfig.Name,
					Namespace: cfg.LeaderElectionConfig.Namespace,
				},
				Client: k8sClient.CoordinationV1(),
				LockConfig: resourcelock.ResourceLockConfig{
					Identity: cfg.LeaderElectionConfig.InstanceID,
				},
			},
			ReleaseOnCancel: true,
			LeaseDuration:   60 * time.Second,
			RenewDeadline:   15 * time.Second,
			RetryPeriod:     5 * time.Second,
			Callbacks: leaderelection.LeaderCallbacks{
				OnStartedLeading: func(ctx context.Context) {
					// A deposed or crashed leader leaves its pull
					// daemonsets behind.
					if err := orch.SweepOrphans(ctx); err != nil {
						log.Error().Err(err).Msg("sweep of orphaned pull daemonsets failed")
					}
					probes.Readiness.Enable()
					manager.Run(ctx)
				},
				OnStoppedLeading: func() {
					probes.Readiness.Disable()
					cancelManager()
				},
			},
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunAPI(ctx, cfg, api.NewServer(manager, inv))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunHealthchecks(ctx, cfg, probes)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunMetrics(ctx, cfg)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		RunProfiling(ctx, cfg)
	}()

	wg.Wait()
	orch.Wait()
}

type Health struct {
	Liveness  *health.Probe
	Readiness *health.Probe
}

func RunAPI(ctx context.Context, cfg *config.Config, server *api.Server) {
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.API.Port)
	apiServer := &http.Server{
		Handler: server.Handler(),
		Addr:    addr,
	}

	go func() {
		log.Info().Msgf("Starting API at %s", addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("api shutdown error")
	}
	log.Info().Msg("api shutdown")
}

func RunHealthchecks(ctx context.Context, cfg *config.Config, probes *Health) {
	router := http.NewServeMux()
	router.Handle(cfg.Health.LivenessPath, probes.Liveness)
	router.Handle(cfg.Health.ReadinessPath, probes.Readiness)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Health.Port)
	healthzServer := &http.Server{
		Handler: router,
		Addr:    addr,
	}

	go func() {
		log.Info().Msgf("Starting healthchecks at %s", addr)
		if err := healthzServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("healthcheck server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("healthchecks shutdown")
}

func RunProfiling(ctx context.Context, cfg *config.Config) {
	if !cfg.Pprof.EnableServerPprof {
		return
	}

	pprofMux := http.NewServeMux()
	pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
	pprofMux.HandleFunc("/debug/pprof/{action}", pprof.Index)
	pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Pprof.Port)
	pprofServer := http.Server{
		Handler: pprofMux,
		Addr:    addr,
	}

	go func() {
		log.Info().Msgf("Starting pprof at %s", addr)
		if err := pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("pprof server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("pprof shutdown")
}

func RunMetrics(ctx context.Context, cfg *config.Config) {
	router := http.NewServeMux()
	router.Handle(cfg.Metrics.Path, promhttp.Handler())

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Metrics.Port)
	metricsServer := &http.Server{
		Handler: router,
		Addr:    addr,
	}

	go func() {
		log.Info().Msgf("Starting metrics at %s", addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("metrics server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("metrics shutdown")
}
