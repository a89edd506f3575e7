package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/admin"
	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/budget"
	"github.com/toolgate/toolgate/internal/callback"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/coordinator"
	"github.com/toolgate/toolgate/internal/identity"
	"github.com/toolgate/toolgate/internal/metrics"
	"github.com/toolgate/toolgate/internal/pipeline"
	"github.com/toolgate/toolgate/internal/policy"
	"github.com/toolgate/toolgate/internal/policybundle"
	"github.com/toolgate/toolgate/internal/ratelimit"
	"github.com/toolgate/toolgate/internal/tenant"
	"github.com/toolgate/toolgate/internal/transport"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "toolgated",
		Short: "Policy-driven tool-call gateway",
		Long:  "toolgated — evaluate, rate-limit, budget, and audit every tool call an agent makes.",
	}

	var configFile string
	var port int
	var devMode bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway's MCP and admin HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configFile, port, devMode)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: toolgate.yaml)")
	serveCmd.Flags().IntVarP(&port, "port", "p", 0, "Override the MCP HTTP port")
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Dev mode: verbose logs, HMAC identity even when OIDC is configured (bundle signature checks still follow the config)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("toolgated %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd, policyCmd(), auditCmd(), approvalCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// findConfigFile mirrors the teacher's candidate-path probe: a config
// file in the working directory, then a dotfile under $HOME.
func findConfigFile() string {
	candidates := []string{
		"toolgate.yaml",
		"toolgate.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "toolgate", "config.yaml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func resolvePort(configured, override int) int {
	if override != 0 {
		return override
	}
	if configured != 0 {
		return configured
	}
	return 8080
}

// runServe wires every component package into the two listening
// surfaces, grounded on cmd/agentwarden/main.go's runStart: config load,
// logger, then one constructor call per subsystem, finishing with a
// signal-driven graceful shutdown.
func runServe(configFile string, portOverride int, devMode bool) error {
	path := configFile
	if path == "" {
		path = findConfigFile()
	}

	loader := config.NewLoader()
	if path != "" {
		if err := loader.Load(path); err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	}
	cfg := loader.Get()

	logLevel := new(slog.LevelVar)
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		logLevel.Set(slog.LevelInfo)
	}
	if devMode {
		logLevel.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	coordStore, err := openCoordinator(cfg.Coordinator.URL)
	if err != nil {
		return fmt.Errorf("opening coordinator store: %w", err)
	}
	auditAppender, err := openAuditAppender(cfg.Audit.URL)
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}

	tenants := tenant.NewRegistry()
	limiter := ratelimit.NewLimiter(coordStore)
	ledger := budget.NewLedger(coordStore)
	rbac := identity.NewRBAC()
	approvals := approval.NewStore(coordStore, rbac.IsMember)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				approvals.SweepExpired(sweepCtx)
			}
		}
	}()
	chain := audit.NewChain(auditAppender)

	verifier := buildVerifier(cfg.Identity, devMode)

	bundleDir := filepath.Dir(cfg.Policy.File)
	bundleVersion := strings.TrimSuffix(filepath.Base(cfg.Policy.File), filepath.Ext(cfg.Policy.File))
	var pubkey ed25519.PublicKey
	if cfg.Policy.PublicKeyB64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Policy.PublicKeyB64)
		if err != nil {
			return fmt.Errorf("decoding policy public key: %w", err)
		}
		pubkey = ed25519.PublicKey(raw)
	}
	bundles := policybundle.NewStore(bundleDir, cfg.Policy.RequireSignature, pubkey, logger)
	if bundleVersion != "" && bundleVersion != "." {
		if _, err := bundles.LoadVersion(bundleVersion); err != nil {
			logger.Warn("no initial policy bundle loaded", "version", bundleVersion, "error", err)
		} else {
			bundles.SetRollout(policybundle.Rollout{ActiveVersion: bundleVersion})
		}
	}
	if err := bundles.Watch(); err != nil {
		logger.Warn("policy bundle hot-reload watch disabled", "error", err)
	}
	defer bundles.Close()

	evaluator := policy.NewEvaluator()

	pipe := &pipeline.Pipeline{
		Identity:    verifier,
		RateLimiter: limiter,
		Bundles:     bundles,
		Evaluator:   evaluator,
		Budgets:     ledger,
		Approvals:   approvals,
		Audit:       chain,
		Tenants:     tenants,
		ApprovalTTL: cfg.ApprovalTTL(),
		SyncWait:    time.Duration(cfg.Approval.SyncWaitMS) * time.Millisecond,
	}

	metricsReg := metrics.NewRegistry()
	health := metrics.NewHealthMux()
	health.Register("coordinator", func() error {
		_, _, err := coordStore.Get(context.Background(), "__health__")
		return err
	})

	mcpHandler := transport.NewHandler(pipe, logger)
	mcpMux := transport.NewMux(mcpHandler)
	health.Mount(mcpMux)
	mcpMux.Handle("/metrics", metricsReg.Handler())

	auditStream := admin.NewAuditStream(logger, devMode)
	chain.SetListener(auditStream.OnAppend)

	adminServer := admin.NewServer(tenants, rbac, bundles, evaluator, verifier, chain, auditStream, logger)

	signer := callback.NewSigner(cfg.Callback.SigningSecret)
	replay := callback.NewReplay()
	cbHandler := &callback.Handler{
		Signer:  signer,
		Replay:  replay,
		Decider: approvals,
		IdentitySubject: func(r *http.Request) (string, error) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				return "", err
			}
			return id.Subject, nil
		},
	}

	adminMux := http.NewServeMux()
	adminMux.Handle("/", adminServer.Handler())
	adminMux.HandleFunc(callback.PathPattern, cbHandler.ServeHTTP)

	mcpPort := resolvePort(cfg.Server.Port, portOverride)
	adminPort := cfg.Server.AdminPort
	if adminPort == 0 {
		adminPort = 8081
	}

	mcpSrv := &http.Server{Addr: fmt.Sprintf(":%d", mcpPort), Handler: mcpMux}
	adminSrv := &http.Server{Addr: fmt.Sprintf(":%d", adminPort), Handler: adminMux}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("mcp server listening", "port", mcpPort)
		if err := mcpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("mcp server: %w", err)
		}
	}()
	go func() {
		logger.Info("admin server listening", "port", adminPort)
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	if cfg.Server.Stdio {
		go func() {
			stdio := transport.NewStdioServer(mcpHandler, os.Getenv("TOOLGATE_STDIO_TOKEN"), os.Stdin, os.Stdout, logger)
			if err := stdio.Run(context.Background()); err != nil {
				errCh <- fmt.Errorf("stdio server: %w", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = mcpSrv.Shutdown(shutCtx)
	_ = adminSrv.Shutdown(shutCtx)
	auditStream.Close()

	return nil
}

// buildVerifier picks OIDC or the development HMAC mode per config,
// mirroring identity_test.go's own construction idiom — devMode forces
// the HMAC path even when OIDC settings are present, so local runs never
// depend on reaching an external issuer.
func buildVerifier(cfg config.IdentityConfig, devMode bool) *identity.Verifier {
	if !devMode && cfg.OIDCIssuer != "" {
		jwks := identity.NewJWKSCache(cfg.OIDCJWKSURL)
		return identity.NewOIDCVerifier(cfg.OIDCIssuer, cfg.OIDCAudience, jwks.KeyFunc)
	}
	secret := cfg.DevJWTSecret
	if secret == "" {
		secret = "dev-secret-change-me"
	}
	issuer := cfg.DevIssuer
	if issuer == "" {
		issuer = "toolgate-dev"
	}
	return identity.NewDevVerifier(issuer, secret)
}

// openCoordinator resolves a config.CoordinatorConfig URL to a
// concrete store. "memory://" (or empty) is the in-process store used
// for dev and tests; anything else is treated as a SQLite file path, the
// only durable backend the coordinating store interface has today.
func openCoordinator(url string) (coordinator.Store, error) {
	if url == "" || url == "memory://" {
		return coordinator.NewMemoryStore(), nil
	}
	path := strings.TrimPrefix(url, "sqlite://")
	return coordinator.NewSQLiteStore(path)
}

// openAuditAppender resolves an AuditConfig URL the same way
// openCoordinator does, for the hash-chain's backing store.
func openAuditAppender(url string) (audit.Appender, error) {
	if url == "" || url == "memory://" {
		return audit.NewMemoryAppender(), nil
	}
	path := strings.TrimPrefix(url, "sqlite://")
	return audit.NewSQLiteAppender(path)
}

// decodeJSON mirrors the teacher's CLI-side HTTP response decoding
// helper, used by the `policy simulate` subcommand in commands.go.
func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}
