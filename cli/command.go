// Package cli holds the shared cobra plumbing for the collab binary:
// standard flags, config and logger resolution, styled help and errors.
package cli

import (
	"os"

	"github.com/grovetools/collab/config"
	"github.com/grovetools/collab/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// CommandOptions holds the options every collab command accepts.
type CommandOptions struct {
	ConfigFile string
	Verbose    bool
	JSONOutput bool
}

// NewStandardCommand creates a command with the standard collab flags.
func NewStandardCommand(use, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to collab.yml config file")

	SetStyledHelp(cmd)

	return cmd
}

// GetOptions extracts the standard options from a command.
func GetOptions(cmd *cobra.Command) CommandOptions {
	configFile, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	return CommandOptions{
		ConfigFile: configFile,
		Verbose:    verbose,
		JSONOutput: jsonOutput,
	}
}

// InitConfig resolves the config file path: the flag value when set,
// otherwise the nearest collab.yml above the working directory. An empty
// path with a nil error means no file was found.
func InitConfig(configFile string) (string, error) {
	if configFile != "" {
		return configFile, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	found, err := config.FindConfigFile(cwd)
	if err != nil {
		return "", nil
	}
	return found, nil
}

// LoadConfig loads the configuration selected by the command's flags and
// returns it together with the file it came from. Without a file the
// defaults are returned.
func LoadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, err := InitConfig(GetOptions(cmd).ConfigFile)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// GetLogger builds a component logger from the config's logging section,
// adjusted by --verbose and --json.
func GetLogger(cmd *cobra.Command, component string, cfg *config.Config) *logrus.Entry {
	var logCfg logging.Config
	if cfg != nil {
		if err := cfg.UnmarshalExtension("logging", &logCfg); err != nil {
			logrus.Warnf("Failed to parse 'logging' config: %v", err)
		}
	}

	opts := GetOptions(cmd)
	if opts.Verbose {
		logCfg.Level = "debug"
	}
	if opts.JSONOutput {
		logCfg.Format.Preset = "json"
	}
	return logging.Build(component, logCfg)
}
