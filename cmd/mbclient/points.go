package main

import (
	"errors"
	"fmt"
	"time"

	modbus "github.com/hootrhino/mbmaster"
	"github.com/spf13/cobra"
)

var readPointsCmd = &cobra.Command{
	Use:   "read-points",
	Short: "Read and decode the points listed in the config file",
	Long: `Read the points of the config file (points and points_file) once.
Contiguous points of one unit and function are fetched with a single request.
Points that were read are printed even when other requests failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		groups, err := cfg.PointGroups()
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			return errors.New("no points configured")
		}
		values, readErr := modbus.ReadPoints(cmd.Context(), client, groups)
		if len(values) > 0 {
			report := &pointsReport{Time: time.Now(), Points: values}
			if err := render(cmd.OutOrStdout(), cfg.Output, report); err != nil {
				return err
			}
		}
		if readErr != nil {
			return fmt.Errorf("read-points failed: %w", readErr)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(readPointsCmd)
}
