package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                string // connection string for the database
	NatsURL           string // URL of the nats server
	NatsPrefix        string // subject prefix for telemetry samples
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	SQLLogLevel       string // sets the log level for sql subsystem
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "debug:ingress.* info:*"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry, "stdout" prints to console
	ProfilingPort     int    // port for profiling
	ServerAddr        string // listen addr for the http server
	AllowedOrigins    []string
	AdminToken        string // token required for admin operations (reset)
	TLSServerAddr     string // listen addr for the http server (tls)
	TLSCertFile       string // path to TLS certificate
	TLSKeyFile        string // path to TLS key
	TLSCAFile         string // path to TLS CA
	TraefikCerts      string // path to traefik certs file
	TraefikCertDomain string // the domain to lookup within the traefik certs

	EndpointMode     string // development or production
	DevSyncBackend   string // remote backend in development mode (memory, postgres, nats)
	DevStoreURL      string // remote store url in development mode
	DevAccountsFile  string // accounts accepted in development mode
	SyncBackend      string // remote backend in production mode (postgres, nats)
	StoreURL         string // remote store url in production mode
	OIDCIssuerURL    string // identity provider
	OIDCClientID     string
	OIDCClientSecret string
	AccountEmail     string // account used for the remote store
	AccountSecret    string // password or token of the account

	ProducerTimeout string // producer is declared dead after this duration of silence
	RemoteInterval  string // remote snapshots are coalesced to one per interval
	DrainTimeout    string // grace period for pending remote snapshots on shutdown
	ReorderWindow   int    // sequence ids within this distance are treated as late
	QueueCapacity   int    // pending remote snapshots
)
