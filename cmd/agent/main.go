package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/denial"
	"ransomeye/pkg/hardening"
	"ransomeye/pkg/httpx"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/store"
	"ransomeye/pkg/telemetry"
	"ransomeye/pkg/verifier"
)

type Server struct {
	Gate                *verifier.Gate
	Limiter             *rate.Limiter
	ServiceToken        string
	MaxRequestBodyBytes int64
	Metrics             *metrics.Registry
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        func(*http.Server) error
)

func main() {
	if err := runAgent(initTelemetryFn, listenFn); err != nil {
		logFatalf("agent: %v", err)
	}
}

func runAgent(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error {
			if cert, key := env("TLS_CERT_FILE", ""), env("TLS_KEY_FILE", ""); cert != "" && key != "" {
				return server.ListenAndServeTLS(cert, key)
			}
			return server.ListenAndServe()
		}
	}
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "agent")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := loadConfig(env("AGENT_CONFIG", "/etc/ransomeye/agent.yaml"))
	if err != nil {
		return err
	}
	serviceToken := env("AGENT_SERVICE_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "agent",
		Environment:        env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		// The agent takes no bearer tokens; its intake is service-token only.
		AuthMode:              "service_token",
		DatabaseRequireTLS:    "true",
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		SigningKeys:           []hardening.EnvRequirement{{Name: "agent_key", Value: cfg.AgentKey}},
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AGENT_SERVICE_TOKEN", Value: serviceToken},
			{Name: "authority_url", Value: cfg.AuthorityURL},
		},
	}); err != nil {
		return err
	}

	s, closeAll, err := buildServer(ctx, cfg, serviceToken)
	if err != nil {
		return err
	}
	defer closeAll()

	addr := env("ADDR", cfg.Addr)
	log.Printf("agent %s listening on %s", cfg.AgentID, addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 60),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

// buildServer wires the gate from cfg. The returned func closes the ledger
// and audit file.
func buildServer(ctx context.Context, cfg Config, serviceToken string) (*Server, func(), error) {
	signer, err := auth.LoadSignerFile(cfg.AgentKey)
	if err != nil {
		return nil, nil, err
	}
	issuerKeys, err := loadKeys(cfg.IssuerKeys, cfg.Issuer)
	if err != nil {
		return nil, nil, err
	}
	approvalKeys, err := loadKeys(cfg.ApprovalKeys, "approval-authority")
	if err != nil {
		return nil, nil, err
	}
	var commandKeys auth.KeyStore = issuerKeys
	external, err := buildVaultKeyStore(cfg.Issuer)
	if err != nil {
		return nil, nil, err
	}
	if external != nil {
		commandKeys = auth.ChainKeyStore{issuerKeys, external}
	}

	var cache store.Cache = store.NewMemoryCache()
	if strings.TrimSpace(env("REDIS_ADDR", "")) != "" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			return nil, nil, err
		}
		cache = store.NewRedisCache(client, "agent:"+cfg.AgentID+":")
	}

	db, err := store.OpenSQLite(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := verifier.NewSQLiteLedger(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	sink, err := audit.OpenFileSink(cfg.AuditPath)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	closeAll := func() {
		_ = sink.Close()
		_ = db.Close()
	}

	var approvals verifier.ApprovalSource
	if strings.TrimSpace(cfg.AuthorityURL) != "" {
		client := telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("AUTHORITY_TIMEOUT_MS", 3000))})
		approvals = verifier.NewCachedApprovals(&verifier.HTTPApprovalSource{
			Client:       client,
			BaseURL:      cfg.AuthorityURL,
			ServiceToken: serviceToken,
		}, cache)
	}

	reg := metrics.NewRegistry()
	gate, err := verifier.New(verifier.Config{
		Keys:         auth.KeyStoreVerifier{Keys: commandKeys},
		Issuer:       cfg.Issuer,
		IssuerKeyIDs: cfg.IssuerKeyIDs,
		Approvals:    approvals,
		ApprovalKeys: auth.KeyStoreVerifier{Keys: approvalKeys},
		Replay:       cache,
		Ledger:       ledger,
		Executor:     &verifier.ExecExecutor{Handlers: cfg.Handlers, Path: env("HANDLER_PATH", "")},
		Signer:       signer,
		Audit:        sink,
		AgentID:      cfg.AgentID,
		Skew:         cfg.ClockSkew,
		Metrics:      reg,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	perMinute := cfg.RatePerMinute
	return &Server{
		Gate:                gate,
		Limiter:             rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		ServiceToken:        serviceToken,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 64<<10)),
		Metrics:             reg,
	}, closeAll, nil
}

func loadKeys(paths []string, signer string) (*auth.StaticKeyStore, error) {
	ks := auth.NewStaticKeyStore()
	for _, p := range paths {
		rec, err := auth.LoadPublicKeyFile(p, signer)
		if err != nil {
			return nil, err
		}
		ks.Put(*rec)
	}
	return ks, nil
}

func buildVaultKeyStore(issuer string) (auth.KeyStore, error) {
	switch strings.ToLower(strings.TrimSpace(env("KEYSTORE_PROVIDER", "file"))) {
	case "", "file":
		return nil, nil
	case "vault_transit":
		client, err := auth.NewVaultClient(auth.VaultConfig{
			Address:   env("VAULT_ADDR", ""),
			Token:     env("VAULT_TOKEN", ""),
			Namespace: env("VAULT_NAMESPACE", ""),
			Timeout:   time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500)),
		})
		if err != nil {
			return nil, err
		}
		names := splitList(env("VAULT_ISSUER_KEYS", ""))
		if len(names) == 0 {
			return nil, errors.New("KEYSTORE_PROVIDER=vault_transit requires VAULT_ISSUER_KEYS")
		}
		return &auth.VaultTransitKeyStore{
			Client:    client,
			Mount:     env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyNames:  names,
			SignerTag: issuer,
			TTL:       envDurationSec("VAULT_KEY_CACHE_SEC", 300),
		}, nil
	default:
		return nil, errors.New("unsupported KEYSTORE_PROVIDER")
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("agent"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "agent"})
	})
	r.With(s.requireServiceToken).Get("/metrics", s.Metrics.PrometheusHandler())
	r.With(s.requireServiceToken).Post("/v1/commands", s.Metrics.Middleware("/v1/commands", http.HandlerFunc(s.handleCommand)).ServeHTTP)
	return r
}

func (s *Server) requireServiceToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.ServiceTokenValid(r.Header.Get("X-Service-Token"), s.ServiceToken) {
			httpx.Error(w, http.StatusUnauthorized, "service token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCommand answers with the signed receipt. A rejection uses the
// status of its code so the dispatcher can log it without parsing.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil && !s.Limiter.Allow() {
		httpx.WriteDenial(w, denial.New("INTAKE", denial.RateLimited, "agent intake limit reached"))
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	receipt, err := s.Gate.Handle(r.Context(), body)
	if err != nil && receipt.Signature == "" {
		log.Printf("agent gate error: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "verifier unavailable")
		return
	}
	status := http.StatusOK
	if code := denial.CodeOf(err); code != "" {
		status = denial.HTTPStatus(code)
	}
	httpx.WriteJSON(w, status, receipt)
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
