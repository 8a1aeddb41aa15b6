package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/reportflow/internal/report"
	"github.com/muaviaUsmani/reportflow/pkg/client"
)

var backfillCmd = &cobra.Command{
	Use:     "backfill",
	Aliases: []string{"backfills"},
	Short:   "Fill historical data in bounded date segments",
}

var (
	backfillReport  string
	backfillStart   string
	backfillEnd     string
	backfillSegment string
	backfillParams  string
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backfill collection",
		Long: `Create a backfill collection covering --start up to --end.

The end is clamped to today minus the configured data lag. Segments are
dispatched by running workers; nothing runs from this command.`,
		Args: cobra.NoArgs,
		RunE: runBackfillCreate,
	}
	createCmd.Flags().StringVar(&backfillReport, "report", "", "Report id to backfill")
	createCmd.Flags().StringVar(&backfillStart, "start", "", "First day to fill (YYYY-MM-DD)")
	createCmd.Flags().StringVar(&backfillEnd, "end", "", "Day after the last day to fill (YYYY-MM-DD, default today)")
	createCmd.Flags().StringVar(&backfillSegment, "segment", "weekly", "Segment size (daily, weekly, monthly, quarterly)")
	createCmd.Flags().StringVar(&backfillParams, "params", "", "Parameters as a JSON object")
	createCmd.MarkFlagRequired("report")
	createCmd.MarkFlagRequired("start")
	createCmd.RegisterFlagCompletionFunc("segment", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"daily", "weekly", "monthly", "quarterly"}, cobra.ShellCompDirectiveNoFileComp
	})

	progressCmd := &cobra.Command{
		Use:   "progress <collection-id>",
		Short: "Show collection progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.GetBackfillProgress(ctx, args[0])
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}

	segmentsCmd := &cobra.Command{
		Use:   "segments <collection-id>",
		Short: "List a collection's segments",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackfillSegments,
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue <collection-id>",
		Short: "Move every failed segment back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				n, err := c.RequeueFailed(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Requeued %d failed segments\n", n)
				return nil
			})
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry-segment <segment-id>",
		Short: "Move one failed segment back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.RetrySegment(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Segment %s requeued\n", args[0])
				return nil
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <collection-id>",
		Short: "Cancel a collection and its unfinished segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				p, err := c.CancelCollection(ctx, args[0])
				if err != nil {
					return err
				}
				return printProgress(p)
			})
		},
	}

	cancelSegmentCmd := &cobra.Command{
		Use:   "cancel-segment <segment-id>",
		Short: "Cancel one segment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				seg, err := c.CancelSegment(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Segment %s is %s\n", seg.ID, colorStatus(string(seg.Status)))
				return nil
			})
		},
	}

	backfillCmd.AddCommand(createCmd, progressCmd, segmentsCmd, requeueCmd, retryCmd, cancelCmd, cancelSegmentCmd)
}

func parseDate(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be YYYY-MM-DD: %w", flag, err)
	}
	return t, nil
}

func runBackfillCreate(cmd *cobra.Command, args []string) error {
	start, err := parseDate("start", backfillStart)
	if err != nil {
		return err
	}
	end, err := parseDate("end", backfillEnd)
	if err != nil {
		return err
	}
	var params interface{}
	if backfillParams != "" {
		params = json.RawMessage(backfillParams)
	}

	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		col, err := c.CreateBackfill(ctx, backfillReport, start, end, report.SegmentType(backfillSegment), params)
		if err != nil {
			return err
		}
		if done, err := printStructured(col); done {
			return err
		}
		fmt.Printf("Collection %s created: %d %s segments ending %s\n",
			col.ID, col.TotalSegments, col.SegmentType, col.EndDate.Format(time.DateOnly))
		return nil
	})
}

func runBackfillSegments(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		segs, err := c.ListSegments(ctx, args[0])
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(segs))
		for _, s := range segs {
			rows = append(rows, []string{
				strconv.Itoa(s.SegmentIndex),
				s.ID,
				s.StartDate.Format(time.DateOnly),
				s.EndDate.Format(time.DateOnly),
				colorStatus(string(s.Status)),
				strconv.Itoa(s.Attempts),
				strconv.FormatInt(s.RowCount, 10),
				orDash(s.ErrorMessage),
			})
		}
		return printTable(segs, []string{"#", "ID", "START", "END", "STATUS", "ATTEMPTS", "ROWS", "ERROR"}, rows)
	})
}

func printProgress(p *report.Progress) error {
	row := []string{
		p.CollectionID,
		colorStatus(string(p.Status)),
		fmt.Sprintf("%d/%d", p.CompletedSegments, p.TotalSegments),
		strconv.Itoa(p.FailedSegments),
		strconv.Itoa(p.PendingSegments),
		strconv.Itoa(p.RunningSegments),
		strconv.Itoa(p.CancelledSegments),
		fmt.Sprintf("%.1f%%", p.Percent()),
	}
	return printTable(p, []string{"COLLECTION", "STATUS", "COMPLETED", "FAILED", "PENDING", "RUNNING", "CANCELLED", "PROGRESS"}, [][]string{row})
}
