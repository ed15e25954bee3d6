// layoutfixd - reply to chat messages typed in the wrong keyboard layout
//
//	layoutfixd run [words-file] [token-file]   Run the bot
//	layoutfixd fix <text>                      Print the remapped text
//	layoutfixd score <text>                    Score a text against the dictionary
//	layoutfixd replies                         List recently sent replies
//	layoutfixd status                          Show the persisted state
//	layoutfixd config init|show|validate       Manage the configuration file
//	layoutfixd version                         Print version information
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"layoutfixd/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "layoutfixd",
	Short: "Reply to messages typed with the wrong keyboard layout",
	Long: `layoutfixd polls a Telegram bot for new messages. When a message looks like
target-language words typed on the source layout (for example "ghbdtn" for
"привет"), it replies with the remapped text.

A message is answered when the share of its tokens that become dictionary
words after remapping is strictly above the threshold. Messages that already
contain a native-alphabet letter are never answered.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "layoutfixd %s (%s %s/%s, config v%d)\n",
			version, runtime.Version(), runtime.GOOS, runtime.GOARCH, config.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: search ./config.*, then the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override logging.format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(repliesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns --config, an existing config file in a
// standard location, or the default path.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if found := config.FindConfigFile(); found != "" {
		return found
	}
	return config.ConfigPath()
}

// loadConfig reads the configuration without validating it and applies the
// global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg)
	return cfg, nil
}

func applyFlagOverrides(cfg *config.Config) {
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}
