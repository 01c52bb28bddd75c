package cli

import (
	"fmt"
	"os"

	"github.com/harun/parley/internal/config"
	"github.com/spf13/cobra"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, check and show configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive wizard that writes a configuration file with an LLM
provider, gateway settings and chat client preferences.`,
	RunE: runConfigInit,
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	RunE:  runConfigCheck,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	configCmd.AddCommand(configInitCmd, configCheckCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run()
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nConfiguration saved to: %s\n", path)
	fmt.Fprintln(out, "\nStart the gateway with: parley serve")
	fmt.Fprintln(out, "Then chat with:         parley chat")
	return nil
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var problems []error
	if err := cfg.Validate(); err != nil {
		problems = append(problems, err)
	}
	problems = append(problems, config.NewValidator().ValidateConfig(cfg)...)

	if len(problems) == 0 {
		fmt.Fprintln(out, "Configuration OK")
		return nil
	}
	for _, p := range problems {
		fmt.Fprintf(out, "  - %v\n", p)
	}
	return fmt.Errorf("configuration has %d problem(s)", len(problems))
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), cfg.String())
	return nil
}
