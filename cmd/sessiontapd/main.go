// Command sessiontapd tails an AI coding agent's session logs and streams
// live session activity to paired mobile viewers.
package main

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sessiontap/sessiontap/internal/authsvc"
	"github.com/sessiontap/sessiontap/internal/config"
	"github.com/sessiontap/sessiontap/internal/logger"
	"github.com/sessiontap/sessiontap/internal/server"
)

func main() {
	var logLevel string
	var logFile string

	root := &cobra.Command{
		Use:   "sessiontapd",
		Short: "sessiontap streaming daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logLevel, logFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			if rootDir, _ := cmd.Flags().GetString("root"); rootDir != "" {
				cfg.RootDir = rootDir
			}
			if port, _ := cmd.Flags().GetInt("port"); cmd.Flags().Changed("port") {
				cfg.HTTPPort = port
			}

			key, err := signingKey(cfg)
			if err != nil {
				return fmt.Errorf("resolve signing key: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := server.New(ctx, cfg, key)
			logger.Info("sessiontapd starting", "root", cfg.RootDir, "port", cfg.HTTPPort)
			return srv.Run(ctx)
		},
	}

	root.Flags().String("root", "", "session log directory to watch (overrides SESSIONTAP_ROOT_DIR)")
	root.Flags().Int("port", 0, "HTTP listen port (overrides SESSIONTAP_HTTP_PORT)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.Flags().StringVar(&logFile, "log-file", "", "optional file to additionally log to")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// signingKey resolves the JWT signing key for device credentials: from
// SESSIONTAP_JWT_KEY if set, otherwise a fresh ephemeral key, since
// credentials never survive a restart anyway.
func signingKey(cfg config.Config) (*ecdsa.PrivateKey, error) {
	if cfg.JWTKeyPath != "" {
		return authsvc.ParseECKeyFromEnv(cfg.JWTKeyPath)
	}
	key, err := authsvc.GenerateECKey()
	if err != nil {
		return nil, err
	}
	logger.Warn("sessiontapd: no SESSIONTAP_JWT_KEY set, generated an ephemeral signing key; all device credentials will be invalidated on restart")
	return key, nil
}
