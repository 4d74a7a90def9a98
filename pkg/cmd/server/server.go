package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // by design
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"
	"connectrpc.com/grpcreflect"
	"connectrpc.com/otelconnect"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
	otlpruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mpapenbr/iracelog-session-sync/log"
	"github.com/mpapenbr/iracelog-session-sync/pkg/config"
	"github.com/mpapenbr/iracelog-session-sync/pkg/egress/wsfeed"
	"github.com/mpapenbr/iracelog-session-sync/pkg/endpoints/api"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/natsin"
	"github.com/mpapenbr/iracelog-session-sync/pkg/ingress/wsin"
	"github.com/mpapenbr/iracelog-session-sync/pkg/processing/aggregator"
	"github.com/mpapenbr/iracelog-session-sync/pkg/processing/generation"
	"github.com/mpapenbr/iracelog-session-sync/pkg/publish"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remote"
	"github.com/mpapenbr/iracelog-session-sync/pkg/remotesync"
	"github.com/mpapenbr/iracelog-session-sync/pkg/service"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils"
	"github.com/mpapenbr/iracelog-session-sync/pkg/utils/certs"
)

const serviceName = "iss.session.v1"

//nolint:funlen // by design
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "starts the session sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return startServer(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&config.ServerAddr,
		"addr",
		"a",
		"localhost:8090",
		"http server listen address")
	cmd.Flags().StringVar(&config.TLSServerAddr,
		"tls-addr",
		"localhost:8091",
		"https server listen address (used when a certificate is configured)")
	cmd.Flags().StringVar(&config.TLSCertFile,
		"tls-cert",
		"",
		"file containing the TLS certificate")
	cmd.Flags().StringVar(&config.TLSKeyFile,
		"tls-key",
		"",
		"file containing the TLS key")
	cmd.Flags().StringVar(&config.TLSCAFile,
		"tls-ca",
		"",
		"file containing the CA for client certificates")
	cmd.Flags().StringVar(&config.TraefikCerts,
		"traefik-certs",
		"",
		"traefik acme file to take the certificate from")
	cmd.Flags().StringVar(&config.TraefikCertDomain,
		"traefik-cert-domain",
		"",
		"domain to lookup in the traefik certs")
	cmd.Flags().StringVar(&config.SQLLogLevel,
		"sql-log-level",
		"info",
		"controls the log level for sql methods")
	cmd.Flags().BoolVar(&config.EnableTelemetry,
		"enable-telemetry",
		false,
		"enables telemetry")
	cmd.Flags().StringVar(&config.TelemetryEndpoint,
		"telemetry-endpoint",
		"localhost:4317",
		"Endpoint that receives open telemetry data (stdout prints to console)")
	cmd.Flags().IntVar(&config.ProfilingPort,
		"profiling-port",
		0,
		"port to use for providing profiling data")
	cmd.Flags().StringSliceVar(&config.AllowedOrigins,
		"allowed-origins",
		[]string{"*"},
		"origins allowed to connect to the http endpoints")
	cmd.Flags().StringVar(&config.AdminToken,
		"admin-token",
		"",
		"token required for admin operations")
	cmd.Flags().StringVar(&config.NatsPrefix,
		"nats-prefix",
		natsin.DefaultPrefix,
		"subject prefix for sample ingress")

	cmd.Flags().StringVar(&config.EndpointMode,
		"endpoint-mode",
		string(remote.ModeDevelopment),
		"remote endpoints to use (development, production)")
	cmd.Flags().StringVar(&config.DevSyncBackend,
		"dev-sync-backend",
		"memory",
		"remote backend in development mode (memory, postgres, nats)")
	cmd.Flags().StringVar(&config.DevStoreURL,
		"dev-store-url",
		"",
		"remote store url in development mode")
	cmd.Flags().StringVar(&config.DevAccountsFile,
		"dev-accounts-file",
		"",
		"yaml file with accounts known in development mode")
	cmd.Flags().StringVar(&config.SyncBackend,
		"sync-backend",
		"postgres",
		"remote backend in production mode (postgres, nats)")
	cmd.Flags().StringVar(&config.StoreURL,
		"store-url",
		"",
		"remote store url in production mode")
	cmd.Flags().StringVar(&config.OIDCIssuerURL,
		"oidc-issuer-url",
		"",
		"identity provider used in production mode")
	cmd.Flags().StringVar(&config.OIDCClientID,
		"oidc-client-id",
		"iss",
		"client id at the identity provider")
	cmd.Flags().StringVar(&config.OIDCClientSecret,
		"oidc-client-secret",
		"",
		"client secret at the identity provider")
	cmd.Flags().StringVar(&config.AccountEmail,
		"account-email",
		"",
		"account for the remote store (remote sync disabled if empty)")
	cmd.Flags().StringVar(&config.AccountSecret,
		"account-secret",
		"",
		"password or token of the account")

	cmd.Flags().StringVar(&config.ProducerTimeout,
		"producer-timeout",
		generation.DefaultTimeout.String(),
		"producer is declared dead after this duration of silence")
	cmd.Flags().StringVar(&config.RemoteInterval,
		"remote-interval",
		publish.DefaultRemoteInterval.String(),
		"remote snapshots are coalesced to one per interval")
	cmd.Flags().StringVar(&config.DrainTimeout,
		"drain-timeout",
		remotesync.DefaultDrainTimeout.String(),
		"grace period for pending remote snapshots on shutdown")
	cmd.Flags().IntVar(&config.ReorderWindow,
		"reorder-window",
		aggregator.DefaultReorderWindow,
		"sequence ids within this distance of the highest one are treated as late")
	cmd.Flags().IntVar(&config.QueueCapacity,
		"queue-capacity",
		remotesync.DefaultCapacity,
		"number of pending remote snapshots")
	return cmd
}

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

func parseDuration(name, s string, defaultVal time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		log.Warn("Invalid duration value, using default",
			log.String("param", name),
			log.String("value", s),
			log.Duration("default", defaultVal))
		return defaultVal
	}
	return d
}

func setupLogger() {
	opts := []log.Option{log.WithCaller(true), log.AddCallerSkip(1)}
	if config.LogFilter != "" {
		opts = append(opts, log.WithFilter(config.LogFilter))
	}
	var logger *log.Logger
	switch config.LogFormat {
	case "json":
		logger = log.New(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...)
	default:
		logger = log.DevLogger(os.Stderr, parseLogLevel(config.LogLevel, log.DebugLevel), opts...)
	}
	log.ResetDefault(logger)
}

// newSQLLogger uses its own level so statement tracing can be enabled
// without flooding the rest of the output.
func newSQLLogger() *log.Logger {
	level := parseLogLevel(config.SQLLogLevel, log.InfoLevel)
	if config.LogFormat == "json" {
		return log.New(os.Stderr, level).Named("sql")
	}
	return log.DevLogger(os.Stderr, level).Named("sql")
}

//nolint:funlen,cyclop // by design
func startServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	setupLogger()

	var telemetry *config.Telemetry
	if config.ProfilingPort > 0 {
		log.Info("Starting profiling server on port", log.Int("port", config.ProfilingPort))
		go func() {
			//nolint:gosec // by design
			err := http.ListenAndServe(
				fmt.Sprintf("localhost:%d", config.ProfilingPort),
				nil)
			if err != nil {
				log.Error("Profiling server stopped", log.ErrorField(err))
			}
		}()
	}
	if config.EnableTelemetry {
		log.Info("Enabling telemetry")
		var err error
		if telemetry, err = config.SetupTelemetry(ctx); err != nil {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
		err = otlpruntime.Start(otlpruntime.WithMinimumReadMemStatsInterval(time.Second))
		if err != nil {
			log.Warn("Could not start runtime metrics", log.ErrorField(err))
		}
	}

	endpoints, err := resolveEndpoints()
	if err != nil {
		return err
	}
	waitForRequiredServices(ctx, endpoints)

	store, err := newStore(ctx, endpoints, telemetry != nil)
	if err != nil {
		log.Error("remote store could not be created", log.ErrorField(err))
		return err
	}
	svc, err := service.New(buildServiceOptions(store)...)
	if err != nil {
		return err
	}
	if telemetry != nil {
		svc.RegisterMetrics()
	}

	var subscriber *natsin.Subscriber
	if config.NatsURL != "" {
		nc, err := nats.Connect(config.NatsURL, nats.Name("iss-ingress"))
		if err != nil {
			return err
		}
		defer nc.Close()
		subscriber = natsin.New(nc, svc, natsin.WithPrefix(config.NatsPrefix))
		if err := subscriber.Start(); err != nil {
			return err
		}
	}

	checker := grpchealth.NewStaticChecker(serviceName)
	handler := newCORS().Handler(newMux(svc, checker))
	servers := []*http.Server{{
		Addr:              config.ServerAddr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsServer, err := newTLSServer(runCtx, handler)
	if err != nil {
		return err
	}
	if tlsServer != nil {
		servers = append(servers, tlsServer)
	}

	var wg sync.WaitGroup
	wg.Go(func() {
		//nolint:errcheck // Shutdown is checked
		svc.Run(context.Background())
	})
	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			log.Info("Starting http server",
				log.String("addr", srv.Addr),
				log.Bool("tls", srv.TLSConfig != nil))
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}
	setupGoRoutinesDump()

	select {
	case <-runCtx.Done():
		log.Debug("Got signal")
	case err = <-serverErr:
		log.Error("http server stopped", log.ErrorField(err))
	}

	checker.SetStatus(serviceName, grpchealth.StatusNotServing)
	if subscriber != nil {
		if stopErr := subscriber.Stop(); stopErr != nil {
			log.Warn("stopping nats subscriber", log.ErrorField(stopErr))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn("http server shutdown", log.ErrorField(shutdownErr))
		}
	}
	if shutdownErr := svc.Shutdown(); shutdownErr != nil {
		log.Warn("service shutdown", log.ErrorField(shutdownErr))
	}
	wg.Wait()
	if telemetry != nil {
		telemetry.Shutdown()
	}
	log.Info("Server terminated")
	return err
}

// newTLSServer returns nil if no certificate is configured.
func newTLSServer(ctx context.Context, handler http.Handler) (*http.Server, error) {
	src := certs.Source{
		CertFile:      config.TLSCertFile,
		KeyFile:       config.TLSKeyFile,
		CAFile:        config.TLSCAFile,
		TraefikFile:   config.TraefikCerts,
		TraefikDomain: config.TraefikCertDomain,
	}
	if !src.Enabled() {
		return nil, nil
	}
	provider, err := certs.NewProvider(src)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := provider.TLSConfig()
	if err != nil {
		return nil, err
	}
	go func() {
		if err := provider.Watch(ctx); err != nil {
			log.Error("cert reload stopped", log.ErrorField(err))
		}
	}()
	return &http.Server{
		Addr:              config.TLSServerAddr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func buildServiceOptions(store remote.Store) []service.Option {
	opts := []service.Option{
		service.WithAggregatorOptions(
			aggregator.WithReorderWindow(config.ReorderWindow)),
		service.WithGenerationOptions(
			generation.WithTimeout(parseDuration("producer-timeout",
				config.ProducerTimeout, generation.DefaultTimeout))),
		service.WithRemoteInterval(parseDuration("remote-interval",
			config.RemoteInterval, publish.DefaultRemoteInterval)),
	}
	if store != nil {
		opts = append(opts, service.WithRemote(store,
			remote.Credentials{Email: config.AccountEmail, Secret: config.AccountSecret},
			remotesync.WithCapacity(config.QueueCapacity),
			remotesync.WithDrainTimeout(parseDuration("drain-timeout",
				config.DrainTimeout, remotesync.DefaultDrainTimeout))))
	}
	return opts
}

func newMux(svc *service.Service, checker *grpchealth.StaticChecker) *http.ServeMux {
	mux := http.NewServeMux()
	var handlerOpts []connect.HandlerOption
	if otelInterceptor, err := otelconnect.NewInterceptor(); err == nil {
		handlerOpts = append(handlerOpts, connect.WithInterceptors(otelInterceptor))
	} else {
		log.Warn("Could not create otel interceptor", log.ErrorField(err))
	}
	mux.Handle(grpchealth.NewHandler(checker, handlerOpts...))
	reflector := grpcreflect.NewStaticReflector(grpchealth.HealthV1ServiceName)
	mux.Handle(grpcreflect.NewHandlerV1(reflector))
	mux.Handle(grpcreflect.NewHandlerV1Alpha(reflector))

	checkOrigin := func(r *http.Request) bool { return originAllowed(r.Header.Get("Origin")) }
	mux.Handle("/ws/producer", wsin.NewHandler(svc, wsin.WithCheckOrigin(checkOrigin)))
	mux.Handle("/ws/feed", wsfeed.NewHandler(svc, wsfeed.WithCheckOrigin(checkOrigin)))
	api.New(svc, api.WithAdminToken(config.AdminToken)).Register(mux)
	return mux
}

func originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, o := range config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func setupGoRoutinesDump() {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		buf := make([]byte, 1<<20)
		for {
			<-sigs
			stacklen := runtime.Stack(buf, true)
			fmt.Printf("=== received SIGQUIT ===\n*** goroutine dump...\n%s\n*** end\n",
				buf[:stacklen])
		}
	}()
}

func waitForRequiredServices(ctx context.Context, ep remote.Endpoints) {
	timeout := parseDuration("wait-for-services", config.WaitForServices, 60*time.Second)
	var addrs []string
	if addr := utils.ExtractFromNatsURL(config.NatsURL); addr != "" {
		addrs = append(addrs, addr)
	}
	switch ep.Backend {
	case "postgres":
		if addr := utils.ExtractFromDBURL(ep.StoreURL); addr != "" {
			addrs = append(addrs, addr)
		}
	case "nats":
		if addr := utils.ExtractFromNatsURL(ep.StoreURL); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	wg := sync.WaitGroup{}
	for _, addr := range addrs {
		wg.Go(func() {
			if err := utils.WaitForTCP(ctx, addr, timeout); err != nil {
				log.Fatal("required services not ready", log.ErrorField(err))
			}
		})
	}
	if ep.IssuerURL != "" {
		wg.Go(func() {
			discovery := strings.TrimSuffix(ep.IssuerURL, "/") +
				"/.well-known/openid-configuration"
			if err := utils.WaitForHTTPResponse(ctx, discovery, timeout); err != nil {
				log.Fatal("identity provider not ready", log.ErrorField(err))
			}
		})
	}
	log.Debug("Waiting for connection checks to return")
	wg.Wait()
	log.Debug("Required services are available")
}

func newCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowOriginFunc: originAllowed,
		AllowedHeaders:  []string{"*"},
		ExposedHeaders: []string{
			"Accept",
			"Accept-Encoding",
			"Connect-Accept-Encoding",
			"Connect-Content-Encoding",
			"Content-Encoding",
			"Grpc-Accept-Encoding",
			"Grpc-Encoding",
			"Grpc-Message",
			"Grpc-Status",
			"Grpc-Status-Details-Bin",
		},
		MaxAge: int(2 * time.Hour / time.Second),
	})
}
