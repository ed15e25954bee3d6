package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"layoutfixd/internal/config"
)

var (
	initForce  bool
	showFormat string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Writes the default configuration to --config, or to the platform config
directory. The format follows the file extension (.toml, .yaml, .json).`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Prints the configuration after defaults and LAYOUTFIXD_* environment overrides.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	configInitCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite an existing file")
	configShowCmd.Flags().StringVar(&showFormat, "format", "toml", "Output format (toml, yaml, json)")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.ConfigPath()
	}

	if initForce {
		if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
			return err
		}
	} else {
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := config.Encode(cfg, "."+showFormat)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	issues := config.Check(cfg)
	for _, w := range issues.Warnings() {
		fmt.Fprintf(out, "warning: %s\n", w.Error())
	}
	if errs := issues.Errors(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(out, "error:   %s\n", e.Error())
		}
		return fmt.Errorf("%w: %d error(s) in %s", config.ErrInvalidConfig, len(errs), path)
	}

	fmt.Fprintf(out, "%s: ok\n", path)
	return nil
}
