package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/zqkzzz/dialogue-summarization/encoder"
	"github.com/zqkzzz/dialogue-summarization/params"
	"github.com/zqkzzz/dialogue-summarization/summarization"
	"github.com/zqkzzz/dialogue-summarization/transformer"
	"github.com/zqkzzz/dialogue-summarization/utils"
)

var (
	cfgFile string
	preset  string
	Version string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dialogsum",
	Short: "Build and run the hierarchical dialogue summarizer",
	Long: `Build and run a hierarchical dialogue summarization model.

Every model setting can come from the YAML config file, from a
DIALOGSUM_ environment variable (DIALOGSUM_DIM_MODEL=256) or from the
selected preset.

Examples:
  # Print the effective configuration
  dialogsum config --preset large

  # Smoke-test the model on a random batch
  dialogsum forward --examples 2 --utterances 3

  # Summarize one dialogue
  dialogsum summarize --tokenizer tokenizer.json --dialogue "车主说：刹车异响|技师说：检查刹车片"`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().
		StringVar(&cfgFile, "config", "", "config file path (e.g. dialogsum.yaml)")
	rootCmd.PersistentFlags().
		StringVar(&preset, "preset", "default", "base preset (default, large)")
	rootCmd.PersistentFlags().
		String("log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().
		String("encoders-dir", "", "directory of saved encoders to add to the registry")
	rootCmd.PersistentFlags().
		String("weights", "", "gob checkpoint to load into the model")

	mustBindPFlag(rootCmd, "log_level", "log-level")
	mustBindPFlag(rootCmd, "encoders_dir", "encoders-dir")
	mustBindPFlag(rootCmd, "weights", "weights")
}

func mustBindPFlag(c *cobra.Command, key, name string) {
	flag := c.PersistentFlags().Lookup(name)
	if flag == nil {
		flag = c.Flags().Lookup(name)
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	base, err := params.Preset(preset)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	setDefaults(viper.GetViper(), base)

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			fmt.Fprintf(os.Stderr, "Config file not found: %s\n", cfgFile)
			os.Exit(1)
		}
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("dialogsum")
	}

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("DIALOGSUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	} else if cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Error reading config file [%s]: %v\n", viper.ConfigFileUsed(), err)
		os.Exit(1)
	}
}

// setup resolves the configuration and opens the logger every command uses.
func setup() (params.Config, *zap.Logger, error) {
	base, err := params.Preset(preset)
	if err != nil {
		return params.Config{}, nil, err
	}
	cfg, err := configFromViper(viper.GetViper(), base)
	if err != nil {
		return params.Config{}, nil, err
	}
	logger, err := utils.NewLogger(cfg.LoggerPath, cfg.LogLevel)
	if err != nil {
		return params.Config{}, nil, err
	}
	return cfg, logger, nil
}

// buildModel resolves the encoder through the default registry plus any
// discovered encoders and restores the checkpoint named by --weights.
func buildModel(cfg params.Config, logger *zap.Logger) (*summarization.DialogueSummarization, error) {
	registry := encoder.DefaultRegistry(logger)
	if dir := viper.GetString("encoders_dir"); dir != "" {
		if err := registry.Discover(dir); err != nil {
			return nil, err
		}
	}
	model, err := summarization.BuildModel(cfg, registry, logger)
	if err != nil {
		return nil, err
	}
	if path := viper.GetString("weights"); path != "" {
		if err := transformer.LoadParams(path, model.Parameters()); err != nil {
			return nil, err
		}
		logger.Info("Loaded checkpoint", zap.String("path", path))
	}
	return model, nil
}
