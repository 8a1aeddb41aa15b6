package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/reportflow/internal/report"
	"github.com/muaviaUsmani/reportflow/pkg/client"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Seed report definitions",
}

var (
	reportInstance string
	reportQuery    string
	reportParams   string
)

func init() {
	putCmd := &cobra.Command{
		Use:   "put <report-id>",
		Short: "Store the instance and query a report runs against",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def := &report.Definition{
				ReportID:      args[0],
				InstanceID:    reportInstance,
				QueryTemplate: reportQuery,
			}
			if reportParams != "" {
				def.Parameters = json.RawMessage(reportParams)
				if err := report.ValidateParameters("params", def.Parameters); err != nil {
					return err
				}
			}
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.PutReport(ctx, def); err != nil {
					return err
				}
				fmt.Printf("Report %s stored\n", def.ReportID)
				return nil
			})
		},
	}
	putCmd.Flags().StringVar(&reportInstance, "instance", "", "Execution instance id")
	putCmd.Flags().StringVar(&reportQuery, "query", "", "Query template")
	putCmd.Flags().StringVar(&reportParams, "params", "", "Default parameters as a JSON object")
	putCmd.MarkFlagRequired("instance")
	putCmd.MarkFlagRequired("query")

	reportCmd.AddCommand(putCmd)
}
