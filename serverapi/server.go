package serverapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/contenox/tablechat/apiframework"
	"github.com/contenox/tablechat/chatservice"
	"github.com/contenox/tablechat/chatsession"
	"github.com/contenox/tablechat/chatstore"
	"github.com/contenox/tablechat/internal/chatapi"
	libbus "github.com/contenox/tablechat/libbus"
	libdb "github.com/contenox/tablechat/libdbexec"
	libkv "github.com/contenox/tablechat/libkvstore"
	"github.com/contenox/tablechat/libroutine"
	"github.com/contenox/tablechat/libtracker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	probeLoopKey = "durableProbe"
	// SubjectProbe forces an immediate durable probe on every node listening on the bus.
	SubjectProbe = "chat.probe.trigger"
)

// Health is the body served on GET /health.
type Health struct {
	Status  string `json:"status"`
	Durable string `json:"durable"`
}

// New wires the chat relay onto mux. dbInstance may be nil, in which case the
// relay runs on the volatile tier only. The returned cleanup stops the
// background probe.
func New(
	ctx context.Context,
	mux *http.ServeMux,
	nodeInstanceID string,
	tenancy string,
	config *Config,
	dbInstance libdb.DBManager,
	pubsub libbus.Messenger,
	kvManager libkv.KVManager,
) (func() error, error) {
	ctx, cancel := context.WithCancel(ctx)
	cleanup := func() error {
		cancel()
		return nil
	}

	relayCfg, err := config.Relay()
	if err != nil {
		cancel()
		return nil, err
	}
	sessionCfg, err := config.Session()
	if err != nil {
		cancel()
		return nil, err
	}
	probeInterval, err := parseDuration("probe_interval", config.ProbeInterval, 15*time.Second)
	if err != nil {
		cancel()
		return nil, err
	}

	stdOuttracker := libtracker.NewLogActivityTracker(slog.Default())
	serveropsChainedTracker := libtracker.ChainedTracker{
		stdOuttracker,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	durableUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tablechat_durable_up",
		Help: "1 when the last durable store probe succeeded.",
	})
	registry.MustRegister(durableUp)
	metrics := chatservice.NewMetrics(registry)

	var durable chatstore.DurableStore
	if dbInstance != nil {
		durable = chatstore.New(dbInstance)
	}
	chatService := chatservice.New(durable, chatstore.NewMemStore(), pubsub, metrics, relayCfg)
	chatService = chatservice.WithActivityTracker(chatService, serveropsChainedTracker)
	if err := chatService.EnsureSchema(ctx); err != nil {
		// The relay keeps serving from memory; the probe loop reports the outage.
		slog.ErrorContext(ctx, "failed to ensure chat schema", "error", err)
	}

	sessions, err := chatsession.New(kvManager, chatService.EnsureConversation, sessionCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create session manager: %w", err)
	}

	admin := func(next http.Handler) http.Handler {
		return apiframework.EnforceToken(config.AdminTokenHash, next)
	}
	if config.AdminTokenHash == "" {
		slog.Warn("admin_token_hash is not set, admin chat routes are unauthenticated")
	}

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		_ = apiframework.Error(w, r, apiframework.ErrNotFound, apiframework.GetOperation)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		state := "disabled"
		if dbInstance != nil {
			state = "up"
			if err := chatService.ProbeDurable(r.Context()); err != nil {
				state = "down"
			}
		}
		_ = apiframework.Encode(w, r, http.StatusOK, Health{Status: "ok", Durable: state})
	})
	version := apiframework.GetVersion()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		_ = apiframework.Encode(w, r, http.StatusOK, apiframework.AboutServer{Version: version, NodeInstanceID: nodeInstanceID, Tenancy: tenancy})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	chatapi.AddChatRoutes(mux, chatService, sessions, admin)

	if dbInstance == nil {
		return cleanup, nil
	}
	if err := startProbe(ctx, probeLoopKey+"-"+nodeInstanceID, chatService, pubsub, relayCfg, probeInterval, durableUp); err != nil {
		cancel()
		return nil, err
	}
	return cleanup, nil
}

// startProbe runs the durable ping loop. A message on SubjectProbe forces an
// immediate run.
func startProbe(ctx context.Context, key string, chatService chatservice.Service, pubsub libbus.Messenger, relayCfg chatservice.Config, interval time.Duration, up prometheus.Gauge) error {
	group := libroutine.GetGroup()
	group.StartLoop(
		ctx,
		&libroutine.LoopConfig{
			Key:          key,
			Threshold:    relayCfg.BreakerThreshold,
			ResetTimeout: relayCfg.BreakerReset,
			Interval:     interval,
			Operation: func(ctx context.Context) error {
				if err := chatService.ProbeDurable(ctx); err != nil {
					up.Set(0)
					return err
				}
				up.Set(1)
				return nil
			},
		},
	)
	if pubsub == nil {
		return nil
	}

	triggerCh := make(chan []byte, 10)
	sub, err := pubsub.Stream(ctx, SubjectProbe, triggerCh)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", SubjectProbe, err)
	}
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-triggerCh:
				if !ok {
					return
				}
				group.ForceUpdate(key)
			}
		}
	}()
	return nil
}

// Handler wraps the routed mux with the middleware every response goes through.
func Handler(mux http.Handler) http.Handler {
	var h http.Handler = mux
	h = apiframework.NoStoreMiddleware(h)
	h = apiframework.RequestIDMiddleware(h)
	h = apiframework.TracingMiddleware(h)
	return h
}

// Config is read from the environment by LoadConfig; each field maps to the
// lowercased variable name. Durations use time.ParseDuration syntax.
type Config struct {
	DatabaseURL      string `json:"database_url" yaml:"database_url"`
	SQLitePath       string `json:"sqlite_path" yaml:"sqlite_path"`
	Port             string `json:"port" yaml:"port"`
	Addr             string `json:"addr" yaml:"addr"`
	NATSURL          string `json:"nats_url" yaml:"nats_url"`
	NATSUser         string `json:"nats_user" yaml:"nats_user"`
	NATSPassword     string `json:"nats_password" yaml:"nats_password"`
	KVAddr           string `json:"kv_addr" yaml:"kv_addr"`
	KVPassword       string `json:"kv_password" yaml:"kv_password"`
	AdminTokenHash   string `json:"admin_token_hash" yaml:"admin_token_hash"`
	SessionSecret    string `json:"session_secret" yaml:"session_secret"`
	SessionTTL       string `json:"session_ttl" yaml:"session_ttl"`
	CookieSecure     string `json:"cookie_secure" yaml:"cookie_secure"`
	DurableTimeout   string `json:"durable_timeout" yaml:"durable_timeout"`
	BreakerThreshold string `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerReset     string `json:"breaker_reset" yaml:"breaker_reset"`
	ProbeInterval    string `json:"probe_interval" yaml:"probe_interval"`
	PollInterval     string `json:"poll_interval" yaml:"poll_interval"`
}

// Relay parses the relay settings. Empty values fall back to the relay defaults.
func (c *Config) Relay() (chatservice.Config, error) {
	var cfg chatservice.Config
	var err error
	if cfg.DurableTimeout, err = parseDuration("durable_timeout", c.DurableTimeout, 0); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = parseDuration("breaker_reset", c.BreakerReset, 0); err != nil {
		return cfg, err
	}
	if s := strings.TrimSpace(c.BreakerThreshold); s != "" {
		if cfg.BreakerThreshold, err = strconv.Atoi(s); err != nil {
			return cfg, fmt.Errorf("invalid breaker_threshold %q: %w", s, err)
		}
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = chatservice.DefaultBreakerThreshold
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = chatservice.DefaultBreakerReset
	}
	return cfg, nil
}

// Session parses the cookie settings. Without a session_secret a random key
// is generated, so sessions do not survive a restart.
func (c *Config) Session() (chatsession.Config, error) {
	ttl, err := parseDuration("session_ttl", c.SessionTTL, chatsession.DefaultTTL)
	if err != nil {
		return chatsession.Config{}, err
	}
	secure := false
	if s := strings.TrimSpace(c.CookieSecure); s != "" {
		if secure, err = strconv.ParseBool(s); err != nil {
			return chatsession.Config{}, fmt.Errorf("invalid cookie_secure %q: %w", s, err)
		}
	}
	key := []byte(c.SessionSecret)
	if len(key) == 0 {
		slog.Warn("session_secret is not set, using an ephemeral signing key")
		key = []byte(uuid.NewString() + uuid.NewString())
	}
	return chatsession.Config{SigningKey: key, TTL: ttl, Secure: secure}, nil
}

func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}

func LoadConfig[T any](cfg *T) error {
	if cfg == nil {
		return fmt.Errorf("config pointer is nil")
	}
	config := map[string]string{}
	for _, kvPair := range os.Environ() {
		ar := strings.SplitN(kvPair, "=", 2)
		if len(ar) < 2 {
			continue
		}
		key := strings.ToLower(ar[0])
		value := ar[1]
		config[key] = value
	}

	b, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal env vars: %w", err)
	}
	err = json.Unmarshal(b, cfg)
	if err != nil {
		return fmt.Errorf("failed to unmarshal into config struct: %w", err)
	}

	return nil
}
