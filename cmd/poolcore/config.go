package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arna-oss/poolcore/internal/poolconfig"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "print the effective configuration after layering defaults, file, and env vars",
	RunE:  runConfigShow,
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := poolconfig.Load(flagConfig)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
