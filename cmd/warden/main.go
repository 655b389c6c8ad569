// Command warden runs the identity-and-access service: the DynamoDB-backed
// RBAC repository, the token issuance pipeline and the boundary HTTP
// endpoints.
//
// Exit codes: 0 normal shutdown, 1 invalid configuration, 2 key-value store
// unreachable at startup.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/dynamo"
	"github.com/wardenhq/warden/internal/httpapi"
	"github.com/wardenhq/warden/internal/issuer"
	"github.com/wardenhq/warden/internal/rbac"
	"github.com/wardenhq/warden/internal/token"
)

const (
	exitOK            = 0
	exitBadConfig     = 1
	exitStoreUnreach  = 2
	shutdownGracetime = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		dev        bool
		logLevel   string
	)

	exitCode := exitOK
	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "Issues signed bearer tokens and enforces RBAC over named resources",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := hclog.New(&hclog.LoggerOptions{
				Name:  "warden",
				Level: hclog.LevelFromString(logLevel),
			})
			exitCode = serve(cmd.Context(), configPath, dev, log)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "warden.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&dev, "dev", false, "use an in-memory store instead of DynamoDB")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		return exitBadConfig
	}
	return exitCode
}

func serve(ctx context.Context, configPath string, dev bool, log hclog.Logger) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error("invalid configuration", "path", configPath, "error", err)
		return exitBadConfig
	}

	provider, err := token.NewProvider(cfg.TokenIdentities(), nil, nil, log)
	if err != nil {
		log.Error("invalid signing identities", "error", err)
		return exitBadConfig
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store rbac.Store
	if dev {
		log.Warn("running with an in-memory store; all data is lost on exit")
		store = rbac.NewMemoryStore(nil)
	} else {
		store, err = dynamo.New(ctx, cfg.StoreConfig(), log)
		if err != nil {
			log.Error("key-value store unreachable", "table", cfg.RBAC.TableName, "error", err)
			return exitStoreUnreach
		}
	}

	repo := rbac.NewRepository(store, nil, log)
	pipeline, err := issuer.New(repo, provider, issuer.IdentityResolver, cfg.JWT.Audiences, log)
	if err != nil {
		log.Error("invalid audience map", "error", err)
		return exitBadConfig
	}

	handler := httpapi.NewHandler(pipeline, provider, log)
	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler.Router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracetime)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
		}
		return exitOK
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return exitOK
		}
		log.Error("server failed", "error", err)
		return exitStoreUnreach
	}
}
