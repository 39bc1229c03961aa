package main

import (
	"fmt"

	"github.com/kisaan/fulfillment-engine/engine"
	"github.com/spf13/cobra"
)

var gateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Print the transition table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprint(cmd.OutOrStdout(), engine.NewGate().Render())
		return err
	},
}
