package cli

import (
	"fmt"

	"github.com/harun/parley/internal/config"
	"github.com/harun/parley/internal/daemon"
	"github.com/harun/parley/internal/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reference gateway",
	Long: `Run the reference gateway in the foreground. It serves JSON-RPC on /rpc,
reply streams on /stream, Prometheus metrics on /metrics and stores
sessions in SQLite under the data directory. Stop it with Ctrl+C or
"parley stop".`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides gateway.port)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides gateway.host)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = servePort
	}
	if serveHost != "" {
		cfg.Gateway.Host = serveHost
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	watchLogLevel(log.GetZerolog())

	fmt.Fprintf(cmd.OutOrStdout(), "Parley gateway listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}

// watchLogLevel applies logging.level edits while the gateway runs. An
// explicit --log-level pins the level.
func watchLogLevel(zl zerolog.Logger) {
	if logLevel != "" {
		return
	}
	err := config.NewLoader(cfgFile).Watch(func(next *config.Config, err error) {
		if err != nil {
			zl.Warn().Err(err).Msg("Ignoring unreadable config change")
			return
		}
		level, err := logger.SetLevel(next.Logging.Level)
		if err != nil {
			zl.Warn().Err(err).Msg("Ignoring invalid log level")
			return
		}
		zl.Info().Str("level", level.String()).Msg("Log level reloaded")
	})
	if err != nil {
		zl.Debug().Err(err).Msg("Config file not watched")
	}
}
