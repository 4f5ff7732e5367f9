package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/arna-oss/poolcore/internal/framing"
)

var flagStatusFifo string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "read the admin status.fifo channel and print the snapshot",
	Long: `status opens the server's info/status.fifo, which replies with
the inspect() output followed by the toXml() output, each as a scalar
message, then closes. Use this when the RPC socket's authenticated
command path isn't available to the caller.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&flagStatusFifo, "fifo", "", "path to the status.fifo file")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if flagStatusFifo == "" {
		return fmt.Errorf("status: --fifo is required")
	}

	f, err := os.OpenFile(flagStatusFifo, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("status: open fifo: %w", err)
	}
	defer f.Close()

	reader := framing.NewScalarReader(f, 1<<24)
	inspectText, err := reader.ReadScalarMessage(nil)
	if err != nil {
		return fmt.Errorf("status: read inspect(): %w", err)
	}
	xmlText, err := reader.ReadScalarMessage(nil)
	if err != nil {
		return fmt.Errorf("status: read toXml(): %w", err)
	}

	fmt.Println(string(inspectText))
	fmt.Println(string(xmlText))
	return nil
}
