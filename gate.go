package main

import (
	"github.com/ryanmoran/dhscan/internal/sarif"
	"github.com/spf13/cobra"
)

func newGateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gate <file.sarif>",
		Short: "Fail when an existing SARIF report contains any finding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := sarif.ReadFile(args[0])
			if err != nil {
				return err
			}

			gateErr := sarif.Gate(log)
			if gateErr != nil {
				if err := sarif.WriteSummary(a.writer.GetWriter(), log); err != nil {
					return err
				}
			}

			return gateErr
		},
	}
}
