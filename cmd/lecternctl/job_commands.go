package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/lectern/internal/coordinator/api/rest"
)

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and create jobs",
	}

	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobCreateCommand(ctx))
	jobCmd.AddCommand(newJobCountCommand(ctx))
	jobCmd.AddCommand(newJobRemoveCommand(ctx))

	return jobCmd
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var (
		status     string
		jobType    string
		host       string
		workflowID string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			setIf(query, "status", strings.ToUpper(status))
			setIf(query, "type", jobType)
			setIf(query, "host", host)
			setIf(query, "workflowId", workflowID)
			query.Set("limit", strconv.Itoa(limit))
			query.Set("offset", strconv.Itoa(offset))

			var resp rest.ListJobsResponse
			if err := ctx.client().get(cmd.Context(), "/api/jobs", query, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				if len(resp.Jobs) == 0 {
					return "No jobs\n"
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						job.ID,
						job.Type,
						job.Status,
						orDash(job.Host),
						orDash(job.WorkflowID),
						formatTime(job.CreatedAt),
					})
				}
				return renderTable([]string{"ID", "Type", "Status", "Host", "Workflow", "Created"}, rows, nil) +
					fmt.Sprintf("%d of %d\n", len(resp.Jobs), resp.Total)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&jobType, "type", "", "Filter by job type")
	cmd.Flags().StringVar(&host, "host", "", "Filter by host")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "Filter by workflow instance")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "get <id>",
		Aliases: []string{"show"},
		Short:   "Show one job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.JobResponse
			if err := ctx.client().get(cmd.Context(), "/api/jobs/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return jobDetail(resp) })
		},
	}
}

func newJobCreateCommand(ctx *commandContext) *cobra.Command {
	var (
		operation string
		arguments []string
		payload   string
		queue     bool
	)

	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create a standalone job and dispatch it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readValue(payload)
			if err != nil {
				return err
			}
			req := rest.CreateJobRequest{
				Type:      args[0],
				Operation: operation,
				Arguments: arguments,
				Payload:   body,
				Queue:     queue,
			}

			var resp rest.JobResponse
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/jobs", req, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return jobDetail(resp) })
		},
	}

	cmd.Flags().StringVar(&operation, "operation", "START_OPERATION", "Job operation")
	cmd.Flags().StringArrayVar(&arguments, "arg", nil, "Job argument, repeatable")
	cmd.Flags().StringVar(&payload, "payload", "", "Job payload, or @path to read it from a file")
	cmd.Flags().BoolVar(&queue, "queue", false, "Leave the job for the queue dispatcher")
	return cmd
}

func newJobCountCommand(ctx *commandContext) *cobra.Command {
	var (
		jobType string
		host    string
	)

	cmd := &cobra.Command{
		Use:   "count <status>",
		Short: "Count jobs in a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"status": {strings.ToUpper(args[0])}}
			setIf(query, "type", jobType)
			setIf(query, "host", host)

			var resp rest.CountResponse
			if err := ctx.client().get(cmd.Context(), "/api/jobs/count", query, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return strconv.Itoa(resp.Count) + "\n" })
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "Only count jobs of this type")
	cmd.Flags().StringVar(&host, "host", "", "Only count jobs on this host")
	return cmd
}

func newJobRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/jobs/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed job %s\n", args[0])
			return nil
		},
	}
}

func jobDetail(job rest.JobResponse) string {
	rows := [][]string{
		{"ID", job.ID},
		{"Type", job.Type},
		{"Operation", job.Operation},
		{"Status", job.Status},
		{"Host", orDash(job.Host)},
		{"Workflow", orDash(job.WorkflowID)},
		{"Dispatch attempts", strconv.Itoa(job.DispatchAttempts)},
		{"Created", formatTime(job.CreatedAt)},
		{"Queue time", fmt.Sprintf("%dms", job.QueueTimeMs)},
		{"Run time", fmt.Sprintf("%dms", job.RunTimeMs)},
	}
	if job.Result != nil {
		rows = append(rows, []string{"Action", orDash(job.Result.Action)})
		if job.Result.Error != "" {
			rows = append(rows, []string{"Error", job.Result.Error})
		}
	}
	return renderTable([]string{"Field", "Value"}, rows, nil)
}

func setIf(query url.Values, key, value string) {
	if value != "" {
		query.Set(key, value)
	}
}
