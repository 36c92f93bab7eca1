package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zqkzzz/dialogue-summarization/params"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		base, err := params.Preset(preset)
		if err != nil {
			return err
		}
		cfg, err := configFromViper(viper.GetViper(), base)
		if err != nil {
			return err
		}
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
