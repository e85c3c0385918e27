// Command arbiter runs the Manager/Worker session router against a terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"arbiter/pkg/config"
	"arbiter/pkg/console"
	"arbiter/pkg/eventlog"
	"arbiter/pkg/logx"
	"arbiter/pkg/metrics"
	"arbiter/pkg/roles"
	"arbiter/pkg/router"
	"arbiter/pkg/session"
	"arbiter/pkg/session/anthropicapi"
	"arbiter/pkg/session/claudecli"
	"arbiter/pkg/session/openaiapi"
	"arbiter/pkg/sessionstore"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		projectDir  = flag.String("projectdir", ".", "Project directory")
		provider    = flag.String("provider", "", "Override the session provider (claude-cli, anthropic, openai)")
		metricsAddr = flag.String("metrics", "", "Override the metrics listen address (e.g. :9090)")
		fresh       = flag.Bool("fresh", false, "Ignore any persisted manager session and start fresh")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		initSecrets = flag.Bool("init-secrets", false, "Interactively create the encrypted secrets file and exit")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("arbiter %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	logx.SetDebug(*debug, nil)

	if *initSecrets {
		if err := runInitSecrets(*projectDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize secrets: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	os.Exit(run(*projectDir, *provider, *metricsAddr, *fresh))
}

// run contains the main application logic and returns an exit code, so the
// defers inside execute before os.Exit.
func run(projectDir, providerOverride, metricsOverride string, fresh bool) int {
	logger := logx.NewLogger("main")

	cfg, err := config.Load(projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if providerOverride != "" {
		cfg.Provider = providerOverride
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid provider override: %v\n", err)
			return 1
		}
	}
	if metricsOverride != "" {
		cfg.MetricsAddr = metricsOverride
	}

	defs, err := roles.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load role definitions: %v\n", err)
		return 1
	}

	provider, err := buildProvider(projectDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up session provider: %v\n", err)
		return 1
	}

	store, err := sessionstore.Open(config.SessionDBPath(projectDir))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Warn("failed to close session store: %v", closeErr)
		}
	}()
	if fresh {
		if err := store.Clear(sessionstore.RoleManager); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clear persisted session: %v\n", err)
			return 1
		}
		logger.Info("persisted manager session cleared, starting fresh")
	}

	var events *eventlog.Writer
	if cfg.EventLogDir != "" {
		dir := cfg.EventLogDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(projectDir, dir)
		}
		events, err = eventlog.NewWriter(dir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open event log: %v\n", err)
			return 1
		}
		defer func() {
			if closeErr := events.Close(); closeErr != nil {
				logger.Warn("failed to close event log: %v", closeErr)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, rec, logger)
	}

	ui := console.New(os.Stdin, os.Stdout)
	r := router.New(cfg, provider, store, defs, ui, rec, events)
	if err := r.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start router: %v\n", err)
		return 1
	}
	defer r.Shutdown()

	fmt.Println("⏳ arbiter is ready. Speak to the Manager; /quit to exit.")
	if err := ui.Run(ctx, r.SubmitHumanMessage); err != nil {
		// Session ids were persisted on every init event, so continuity
		// state is already on disk.
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		return 1
	}
	return 0
}

// buildProvider wires the configured session backend. API-backed providers
// resolve their key from the environment first, then the encrypted secrets
// file (prompting for its password).
func buildProvider(projectDir string, cfg config.Config) (session.Provider, error) {
	switch cfg.Provider {
	case config.ProviderClaudeCLI:
		return claudecli.New(cfg.ClaudeBinary), nil

	case config.ProviderAnthropic:
		key, err := resolveAPIKey(projectDir, "ANTHROPIC_API_KEY", config.SecretAnthropicAPIKey)
		if err != nil {
			return nil, err
		}
		return anthropicapi.New(key, cfg.MaxContextTokens), nil

	case config.ProviderOpenAI:
		key, err := resolveAPIKey(projectDir, "OPENAI_API_KEY", config.SecretOpenAIAPIKey)
		if err != nil {
			return nil, err
		}
		return openaiapi.New(key, cfg.MaxContextTokens), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func resolveAPIKey(projectDir, envVar, secretKey string) (string, error) {
	if key := config.APIKey(envVar, secretKey, nil); key != "" {
		return key, nil
	}

	secretsFile := config.NewSecretsFile(projectDir)
	if !secretsFile.Exists() {
		return "", fmt.Errorf("no %s set and no secrets file present (run with -init-secrets)", envVar)
	}

	password, err := console.ReadPassword("Secrets password: ")
	if err != nil {
		return "", err
	}
	secrets, err := secretsFile.Load(password)
	if err != nil {
		return "", err
	}

	key := config.APIKey(envVar, secretKey, secrets)
	if key == "" {
		return "", fmt.Errorf("secrets file has no %s entry", secretKey)
	}
	return key, nil
}

// runInitSecrets interactively creates the encrypted secrets file.
func runInitSecrets(projectDir string) error {
	password, err := console.ReadPassword("Choose a secrets password: ")
	if err != nil {
		return err
	}
	confirm, err := console.ReadPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if password != confirm {
		return errors.New("passwords do not match")
	}

	reader := bufio.NewReader(os.Stdin)
	secrets := map[string]string{}
	for _, entry := range []struct{ prompt, key string }{
		{"Anthropic API key (blank to skip): ", config.SecretAnthropicAPIKey},
		{"OpenAI API key (blank to skip): ", config.SecretOpenAIAPIKey},
	} {
		fmt.Fprint(os.Stderr, entry.prompt)
		line, readErr := reader.ReadString('\n')
		if readErr != nil && line == "" {
			break
		}
		if value := strings.TrimSpace(line); value != "" {
			secrets[entry.key] = value
		}
	}

	if err := config.NewSecretsFile(projectDir).Save(password, secrets); err != nil {
		return err
	}
	fmt.Println("🔐 Secrets file written.")
	return nil
}

// serveMetrics exposes the Prometheus registry until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, rec *metrics.Recorder, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
