package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/arna-oss/poolcore/pkg/poolclient"
)

var (
	flagInspectUsername string
	flagInspectPassword string
	flagInspectFormat   string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "connect to a running pool's RPC socket and print its status",
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&flagInspectUsername, "username", "_pool-status", "RPC account username")
	inspectCmd.Flags().StringVar(&flagInspectPassword, "password", "", "RPC account password")
	inspectCmd.Flags().StringVar(&flagInspectFormat, "format", "text", "output format: text, xml, or yaml")
}

func runInspect(cmd *cobra.Command, args []string) error {
	socketPath := flagSocket
	if socketPath == "" {
		socketPath = "/tmp/poolcore.sock"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := poolclient.Dial(ctx, socketPath, flagInspectUsername, flagInspectPassword)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer c.Close()

	if flagInspectFormat == "yaml" {
		raw, err := c.InspectJSON(ctx)
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}
		var snapshot interface{}
		if err := json.Unmarshal(raw, &snapshot); err != nil {
			return fmt.Errorf("inspect: decode snapshot: %w", err)
		}
		out, err := yaml.Marshal(snapshot)
		if err != nil {
			return fmt.Errorf("inspect: encode yaml: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	var out string
	switch flagInspectFormat {
	case "xml":
		out, err = c.ToXml(ctx)
	default:
		out, err = c.Inspect(ctx)
	}
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	fmt.Println(out)
	return nil
}
