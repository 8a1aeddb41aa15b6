package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/muaviaUsmani/reportflow/internal/report"
	"github.com/muaviaUsmani/reportflow/pkg/client"
)

var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules"},
	Short:   "Create and manage recurring report schedules",
}

var (
	scheduleReport      string
	scheduleCron        string
	scheduleTimezone    string
	scheduleParams      string
	scheduleThreshold   int64
	scheduleNoAutoPause bool
	pauseReason         string
	runsLimit           int
)

func init() {
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule",
		Args:  cobra.NoArgs,
		RunE:  runScheduleCreate,
	}
	createCmd.Flags().StringVar(&scheduleReport, "report", "", "Report id to run")
	createCmd.Flags().StringVar(&scheduleCron, "cron", "", "Five-field cron expression")
	createCmd.Flags().StringVar(&scheduleTimezone, "timezone", "UTC", "IANA timezone the cron expression is evaluated in")
	createCmd.Flags().StringVar(&scheduleParams, "params", "", "Default parameters as a JSON object")
	createCmd.Flags().Int64Var(&scheduleThreshold, "failure-threshold", 0, "Consecutive failures before auto-pause (0 uses the default)")
	createCmd.Flags().BoolVar(&scheduleNoAutoPause, "no-auto-pause", false, "Never pause on repeated failures")
	createCmd.MarkFlagRequired("report")
	createCmd.MarkFlagRequired("cron")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		Args:  cobra.NoArgs,
		RunE:  runScheduleList,
	}

	showCmd := &cobra.Command{
		Use:   "show <schedule-id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				sched, err := c.GetSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				return printSchedules(sched, []*report.Schedule{sched})
			})
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <schedule-id>",
		Short: "Pause a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.PauseSchedule(ctx, args[0], pauseReason); err != nil {
					return err
				}
				fmt.Printf("Schedule %s paused\n", args[0])
				return nil
			})
		},
	}
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "", "Why the schedule is paused")

	resumeCmd := &cobra.Command{
		Use:   "resume <schedule-id>",
		Short: "Resume a paused schedule from its next future slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				sched, err := c.ResumeSchedule(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Schedule %s resumed, next run at %s\n", sched.ID, formatTime(sched.NextRunAt))
				return nil
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <schedule-id>",
		Short: "Deactivate a schedule, keeping its run history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				if err := c.DeleteSchedule(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Schedule %s deleted\n", args[0])
				return nil
			})
		},
	}

	runsCmd := &cobra.Command{
		Use:   "runs <schedule-id>",
		Short: "List a schedule's runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE:  runScheduleRuns,
	}
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to show")

	cancelRunCmd := &cobra.Command{
		Use:   "cancel-run <run-id>",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *client.Client) error {
				run, err := c.CancelRun(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Run %s is %s\n", run.ID, colorStatus(string(run.Status)))
				return nil
			})
		},
	}

	scheduleCmd.AddCommand(createCmd, listCmd, showCmd, pauseCmd, resumeCmd, deleteCmd, runsCmd, cancelRunCmd)
}

func runScheduleCreate(cmd *cobra.Command, args []string) error {
	req := client.ScheduleRequest{
		ReportID:       scheduleReport,
		CronExpression: scheduleCron,
		Timezone:       scheduleTimezone,
	}
	if scheduleParams != "" {
		req.Parameters = json.RawMessage(scheduleParams)
	}
	if cmd.Flags().Changed("failure-threshold") {
		req.FailureThreshold = &scheduleThreshold
	}
	if scheduleNoAutoPause {
		off := false
		req.AutoPauseOnFailure = &off
	}

	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		sched, err := c.CreateSchedule(ctx, req)
		if err != nil {
			return err
		}
		return printSchedules(sched, []*report.Schedule{sched})
	})
}

func runScheduleList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		schedules, err := c.ListSchedules(ctx)
		if err != nil {
			return err
		}
		return printSchedules(schedules, schedules)
	})
}

func runScheduleRuns(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		runs, err := c.ListRuns(ctx, args[0], runsLimit)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				strconv.FormatInt(r.RunNumber, 10),
				r.ID,
				colorStatus(string(r.Status)),
				formatTime(&r.ScheduledAt),
				formatTime(r.CompletedAt),
				strconv.FormatInt(r.TotalRows, 10),
				orDash(r.ErrorSummary),
			})
		}
		return printTable(runs, []string{"RUN", "ID", "STATUS", "SCHEDULED", "COMPLETED", "ROWS", "ERROR"}, rows)
	})
}

func scheduleState(s *report.Schedule) string {
	switch {
	case !s.IsActive:
		return "deleted"
	case s.IsPaused:
		return "paused"
	default:
		return "active"
	}
}

func printSchedules(v interface{}, schedules []*report.Schedule) error {
	rows := make([][]string, 0, len(schedules))
	for _, s := range schedules {
		rows = append(rows, []string{
			s.ID,
			s.ReportID,
			s.CronExpression,
			s.Timezone,
			colorStatus(scheduleState(s)),
			formatTime(s.NextRunAt),
			orDash(string(s.LastRunStatus)),
			fmt.Sprintf("%d/%d", s.ConsecutiveFailures, s.FailureThreshold),
			orDash(s.PauseReason),
		})
	}
	return printTable(v, []string{"ID", "REPORT", "CRON", "TZ", "STATE", "NEXT RUN", "LAST", "FAILURES", "PAUSE REASON"}, rows)
}
