package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pwndepot/ctfgate/client"
	"github.com/pwndepot/ctfgate/config"
	"github.com/pwndepot/ctfgate/internal/logging"
)

// Version is stamped at build time.
var Version = "dev"

var (
	configPath string
	baseURL    string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "ctfctl",
	Short: "ctfctl is a command line client for the PwnDepot CTF platform",
	Long: `A command line client for the PwnDepot CTF platform. It keeps a session
across invocations, follows the event status and walks through account
deletion with password and MFA confirmation.`,
	Version:      Version,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to config file (default: user config dir/ctfgate/config.toml)")
	pf.StringVar(&baseURL, "base-url", "", "Platform API base URL, e.g. https://ctf.example.org/api/v1")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for persistent session state (default: user cache dir/ctfgate)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

// loadConfig merges the config file, environment and command line flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if cfg.DataDir == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.DataDir = filepath.Join(dir, "ctfgate")
		}
	}
	return cfg, cfg.Validate()
}

// openClient builds a client that logs to the command's error stream.
func openClient(cmd *cobra.Command, opts ...client.Option) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(cfg, append([]client.Option{client.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}
