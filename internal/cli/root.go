package cli

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harun/conductor/internal/config"
	"github.com/harun/conductor/pkg/gateway"
)

const version = "0.1.0"

var (
	cfgFile     string
	logLevel    string
	gatewayAddr string
	secret      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Conductor - agent run orchestration engine",
	Long: `Conductor runs AI agents as supervised sessions under global safety
limits, chains them into pipelines and exposes everything over a local
JSON-RPC gateway.

Start the engine with "conductor start", then drive it with the client
commands (run, session, kill, pipeline, cron).`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.conductor/conductor.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&gatewayAddr, "gateway", "", "gateway address for client commands (default from config)")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", "", "gateway shared secret (default from config)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads the config file and environment and applies flag
// overrides. It does not validate.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newClient builds a gateway client from --gateway/--secret, falling back
// to the gateway section of the config.
func newClient() (*gateway.Client, error) {
	addr, key := gatewayAddr, secret
	if addr == "" || key == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		if addr == "" {
			host := cfg.Gateway.Host
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			addr = net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
		}
		if key == "" {
			key = cfg.Gateway.SharedSecret
		}
	}
	return gateway.NewClient(addr, key), nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
