package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	yaml "go.yaml.in/yaml/v3"

	"github.com/ramiqadoumi/go-task-scheduler/services/scheduler/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration serve would run with, after merging flags,
environment and config file. Secrets are omitted.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := renderConfig(config.Load(viper.GetViper()))
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func renderConfig(cfg config.Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
