package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"ransomeye/pkg/approval"
	"ransomeye/pkg/audit"
	"ransomeye/pkg/auth"
	"ransomeye/pkg/dispatch"
	"ransomeye/pkg/hardening"
	"ransomeye/pkg/httpx"
	"ransomeye/pkg/metrics"
	"ransomeye/pkg/mode"
	"ransomeye/pkg/models"
	"ransomeye/pkg/pipeline"
	"ransomeye/pkg/ratelimit"
	"ransomeye/pkg/rbac"
	"ransomeye/pkg/rollback"
	"ransomeye/pkg/statebus"
	"ransomeye/pkg/store"
	"ransomeye/pkg/stream"
	"ransomeye/pkg/telemetry"
)

// publicSigner is a signer whose public half can be published to hosts.
type publicSigner interface {
	auth.Signer
	PublicKey() ed25519.PublicKey
}

type Server struct {
	Pipeline            *pipeline.Orchestrator
	Modes               *mode.Service
	Approvals           *approval.Authority
	Rollbacks           *rollback.Manager
	Audit               audit.Lister
	Hub                 *stream.Hub
	Metrics             *metrics.Registry
	Intake              *statebus.DecisionConsumer
	IntakePrincipal     auth.Principal
	ExpiryInterval      time.Duration
	Keys                []publishedKey
	AuthMode            string
	AuthSecret          string
	AuthOptions         []auth.MiddlewareOption
	ServiceToken        string
	CORSAllowedOrigins  string
	WSOriginPatterns    []string
	MaxRequestBodyBytes int64
}

type publishedKey struct {
	Kid       string `json:"kid"`
	Signer    string `json:"signer"`
	PublicKey string `json:"public_key_pem"`
}

type (
	initTelemetryFunc func(context.Context, string) (func(context.Context) error, error)
	listenFunc        func(*http.Server) error
	startLoopsFunc    func(context.Context, *Server)
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn initTelemetryFunc = telemetry.Init
	openBackendFn   openBackendFunc   = openBackend
	listenFn        listenFunc
	startLoopsFn    startLoopsFunc = startLoops
)

func main() {
	if err := runOrchestrator(initTelemetryFn, openBackendFn, listenFn, startLoopsFn); err != nil {
		logFatalf("orchestrator: %v", err)
	}
}

func runOrchestrator(initTelemetry initTelemetryFunc, open openBackendFunc, listen listenFunc, loops startLoopsFunc) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if open == nil {
		open = openBackend
	}
	if listen == nil {
		listen = func(server *http.Server) error {
			if cert, key := env("TLS_CERT_FILE", ""), env("TLS_KEY_FILE", ""); cert != "" && key != "" {
				return server.ListenAndServeTLS(cert, key)
			}
			return server.ListenAndServe()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	shutdown, err := initTelemetry(ctx, "orchestrator")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := env("AUTH_MODE", "oidc_hs256")
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if !isExplicitNonProductionEnv(runtimeEnv) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	storeBackend := env("STORE_BACKEND", "postgres")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "orchestrator",
		Environment:           runtimeEnv,
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              authMode,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		SigningKeys: []hardening.EnvRequirement{
			{Name: "SIGNING_KEY_FILE or VAULT_SIGNING_KEY", Value: env("SIGNING_KEY_FILE", env("VAULT_SIGNING_KEY", ""))},
			{Name: "AGENT_RECEIPT_KEYS", Value: env("AGENT_RECEIPT_KEYS", "")},
		},
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AGENT_SERVICE_TOKEN", Value: env("AGENT_SERVICE_TOKEN", "")},
			{Name: "SERVICE_TOKEN", Value: env("SERVICE_TOKEN", "")},
		},
	}); err != nil {
		return err
	}
	if isProductionLikeEnv(runtimeEnv) && strings.EqualFold(storeBackend, "memory") {
		return errors.New("STORE_BACKEND=memory is forbidden in production-like environments")
	}

	be, err := open(ctx)
	if err != nil {
		return err
	}
	defer be.Close()

	s, err := buildServer(ctx, be)
	if err != nil {
		return err
	}
	if loops != nil {
		loops(ctx, s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("orchestrator listening on %s store=%s auth=%s", addr, storeBackend, authMode)
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

// buildServer wires every component over be. Settings come from the
// environment.
func buildServer(ctx context.Context, be *backend) (*Server, error) {
	commandSigner, err := loadSigner(ctx, "SIGNING_KEY_FILE", "VAULT_SIGNING_KEY")
	if err != nil {
		return nil, fmt.Errorf("command signer: %w", err)
	}
	approvalSigner := commandSigner
	if env("APPROVAL_SIGNING_KEY_FILE", "") != "" || env("VAULT_APPROVAL_KEY", "") != "" {
		if approvalSigner, err = loadSigner(ctx, "APPROVAL_SIGNING_KEY_FILE", "VAULT_APPROVAL_KEY"); err != nil {
			return nil, fmt.Errorf("approval signer: %w", err)
		}
	}
	receiptKeys, err := loadReceiptKeys(splitList(env("AGENT_RECEIPT_KEYS", "")))
	if err != nil {
		return nil, err
	}

	hub := stream.NewHub()
	sink := audit.Tee{Sink: be.Audit, Publisher: hub}
	reg := metrics.NewRegistry()

	modes := mode.NewService(be.Modes, sink)
	policy := approval.DefaultPolicy()
	policy.TTL = envDurationSec("APPROVAL_TTL_SEC", int(policy.TTL/time.Second))
	policy.EnforceSoD = envBool("APPROVAL_ENFORCE_SOD", true)
	policy.Roles = splitList(env("APPROVAL_ROLES", ""))
	approvals := approval.NewAuthority(be.Approvals, approvalSigner, sink, policy)

	var limiter ratelimit.Limiter = ratelimit.NewInMemory()
	if strings.TrimSpace(env("REDIS_ADDR", "")) != "" {
		client, err := store.NewRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, falling back to in-memory limits: %v", err)
		} else {
			limiter = ratelimit.NewRedis(client)
		}
	}
	if !envBool("RATE_LIMIT_ENABLED", true) {
		limiter = nil
	}

	var receipts auth.Verifier
	if receiptKeys.Len() > 0 {
		receipts = auth.KeyStoreVerifier{Keys: receiptKeys}
	} else {
		log.Printf("AGENT_RECEIPT_KEYS empty; receipt signatures are not checked")
	}
	dispatcher := dispatch.NewHTTPDispatcher(
		dispatch.Targets{Static: parseTargets(env("AGENT_TARGETS", "")), Template: env("AGENT_URL_TEMPLATE", "")},
		time.Millisecond*time.Duration(envInt("DISPATCH_TIMEOUT_MS", 10000)),
		receipts,
		env("AGENT_SERVICE_TOKEN", ""),
	)

	orch, err := pipeline.New(pipeline.Config{
		Modes:      modes,
		Approvals:  approvals,
		Signer:     commandSigner,
		Dispatcher: dispatcher,
		Rollbacks:  be.Rollbacks,
		Commands:   be.Commands,
		Audit:      sink,
		Limiter:    limiter,
		Metrics:    reg,
		DefaultTTL: envDurationSec("COMMAND_TTL_SEC", int(pipeline.DefaultCommandTTL/time.Second)),
		MaxTTL:     envDurationSec("COMMAND_MAX_TTL_SEC", int(pipeline.MaxCommandTTL/time.Second)),
	})
	if err != nil {
		return nil, err
	}

	keys, err := publishKeys(commandSigner, approvalSigner)
	if err != nil {
		return nil, err
	}
	s := &Server{
		Pipeline:        orch,
		Modes:           modes,
		Approvals:       approvals,
		Rollbacks:       rollback.NewManager(be.Rollbacks, orch),
		Audit:           be.Audit,
		Hub:             hub,
		Metrics:         reg,
		IntakePrincipal: auth.Principal{Subject: env("POLICY_ENGINE_PRINCIPAL", "policy-engine"), Roles: []string{env("POLICY_ENGINE_ROLE", rbac.RoleSecurityAnalyst)}},
		ExpiryInterval:  envDurationSec("APPROVAL_EXPIRY_INTERVAL_SEC", 30),
		Keys:            keys,
		AuthMode:        env("AUTH_MODE", "oidc_hs256"),
		AuthSecret:      env("OIDC_HS256_SECRET", ""),
		AuthOptions: []auth.MiddlewareOption{
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
			auth.WithLeeway(envDurationSec("OIDC_LEEWAY_SEC", 30)),
		},
		ServiceToken:        env("SERVICE_TOKEN", ""),
		CORSAllowedOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
		WSOriginPatterns:    splitList(env("WS_ALLOWED_ORIGINS", "")),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
	}
	if pemPath := env("OIDC_RS256_PUBLIC_KEY_FILE", ""); pemPath != "" {
		// #nosec G304 -- operator supplied path.
		raw, err := os.ReadFile(pemPath)
		if err != nil {
			return nil, fmt.Errorf("read OIDC_RS256_PUBLIC_KEY_FILE: %w", err)
		}
		s.AuthOptions = append(s.AuthOptions, auth.WithRSAPublicKeyPEM(raw))
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	if brokers := splitList(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		consumer, err := statebus.NewKafkaConsumer(statebus.KafkaConfig{
			Brokers:       brokers,
			Topic:         env("KAFKA_DECISION_TOPIC", "policy.decisions"),
			GroupID:       env("KAFKA_GROUP_ID", "ransomeye-orchestrator"),
			StartAtNewest: envBool("KAFKA_START_AT_NEWEST", false),
		})
		if err != nil {
			return nil, fmt.Errorf("kafka intake: %w", err)
		}
		s.Intake = &statebus.DecisionConsumer{Consumer: consumer, Handle: s.executeDecision, Metrics: reg}
	}
	return s, nil
}

// startLoops runs the approval expiry sweep and, when configured, the
// decision intake until ctx is done.
func startLoops(ctx context.Context, s *Server) {
	go s.Approvals.RunExpiry(ctx, s.ExpiryInterval)
	if s.Intake != nil {
		go func() {
			if err := s.Intake.Run(ctx); err != nil {
				log.Printf("decision intake stopped: %v", err)
			}
		}()
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Metrics.SetGauge("stream_subscribers", float64(s.Hub.Subscribers()))
				s.Metrics.SetGauge("stream_dropped_events", float64(s.Hub.Dropped()))
			}
		}
	}()
}

// executeDecision is the intake handler: the service acts as the configured
// policy-engine principal.
func (s *Server) executeDecision(ctx context.Context, d models.PolicyDecision) error {
	_, err := s.Pipeline.Execute(ctx, pipeline.Request{Principal: s.IntakePrincipal, Decision: d})
	return err
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("orchestrator"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "orchestrator"})
	})

	secured := chi.NewRouter()
	secured.Use(s.serviceOrAuth(auth.Middleware(s.AuthMode, s.AuthSecret, s.AuthOptions...)))
	route := func(method, pattern string, h http.HandlerFunc) {
		secured.Method(method, pattern, s.Metrics.Middleware(pattern, h))
	}
	route(http.MethodGet, "/metrics", s.withPermission(s.Metrics.PrometheusHandler(), rbac.AuditRead, true))
	route(http.MethodPost, "/v1/commands", s.withPrincipal(s.handleExecute))
	route(http.MethodGet, "/v1/commands/{id}", s.withPermission(s.handleGetCommand, rbac.AuditRead, false))
	route(http.MethodPost, "/v1/commands/{id}/rollback", s.withPrincipal(s.handleRollback))
	route(http.MethodGet, "/v1/commands/{id}/rollback", s.withPermission(s.handleGetRollback, rbac.AuditRead, false))
	route(http.MethodGet, "/v1/mode", s.withPermission(s.handleGetMode, rbac.AuditRead, true))
	route(http.MethodPut, "/v1/mode", s.withPrincipal(s.handleSetMode))
	route(http.MethodGet, "/v1/mode/history", s.withPermission(s.handleModeHistory, rbac.AuditRead, false))
	route(http.MethodGet, "/v1/approvals", s.withPermission(s.handleListApprovals, rbac.AuditRead, false))
	route(http.MethodGet, "/v1/approvals/{id}", s.withPermission(s.handleGetApproval, rbac.AuditRead, true))
	route(http.MethodPost, "/v1/approvals/{id}/decision", s.withPrincipal(s.handleDecide))
	route(http.MethodGet, "/v1/audit", s.withPermission(s.handleListAudit, rbac.AuditRead, false))
	route(http.MethodGet, "/v1/audit/verify", s.withPermission(s.handleVerifyAudit, rbac.AuditRead, false))
	route(http.MethodGet, "/v1/keys", s.withPermission(s.handleKeys, rbac.AuditRead, true))
	secured.Method(http.MethodGet, "/v1/audit/stream", s.withPermission(
		(&stream.Handler{Hub: s.Hub, Backlog: s.Audit, OriginPatterns: s.WSOriginPatterns}).ServeHTTP,
		rbac.AuditRead, false))
	r.Mount("/", secured)
	return r
}

func loadSigner(ctx context.Context, fileEnv, vaultKeyEnv string) (publicSigner, error) {
	switch strings.ToLower(strings.TrimSpace(env("KEYSTORE_PROVIDER", "file"))) {
	case "", "file":
		path := env(fileEnv, "")
		if path == "" {
			return nil, fmt.Errorf("%s required", fileEnv)
		}
		return auth.LoadSignerFile(path)
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
		return auth.NewVaultTransitSigner(ctx, client, env("VAULT_TRANSIT_MOUNT", "transit"), env(vaultKeyEnv, ""))
	default:
		return nil, errors.New("unsupported KEYSTORE_PROVIDER")
	}
}

func loadReceiptKeys(paths []string) (*auth.StaticKeyStore, error) {
	ks := auth.NewStaticKeyStore()
	for _, p := range paths {
		rec, err := auth.LoadPublicKeyFile(p, "agent")
		if err != nil {
			return nil, fmt.Errorf("agent receipt key: %w", err)
		}
		ks.Put(*rec)
	}
	return ks, nil
}

func publishKeys(command, approvalSigner publicSigner) ([]publishedKey, error) {
	out := make([]publishedKey, 0, 2)
	for _, k := range []struct {
		signer publicSigner
		role   string
	}{{command, "orchestrator"}, {approvalSigner, "approval-authority"}} {
		raw, err := auth.MarshalPublicKeyPEM(k.signer.PublicKey())
		if err != nil {
			return nil, err
		}
		out = append(out, publishedKey{Kid: k.signer.KeyID(), Signer: k.role, PublicKey: string(raw)})
	}
	return out, nil
}

// parseTargets reads "host-1=https://10.0.0.1:8443,host-2=..." pairs.
func parseTargets(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitList(raw) {
		id, u, ok := strings.Cut(pair, "=")
		if ok && strings.TrimSpace(id) != "" && strings.TrimSpace(u) != "" {
			out[strings.TrimSpace(id)] = strings.TrimSpace(u)
		}
	}
	return out
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
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

func envBool(k string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
