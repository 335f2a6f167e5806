package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/lectern/internal/coordinator/api/rest"
	"github.com/nemanja-m/lectern/internal/coordinator/workflow"
)

func newWorkflowCommand(ctx *commandContext) *cobra.Command {
	workflowCmd := &cobra.Command{
		Use:     "workflow",
		Aliases: []string{"wf"},
		Short:   "Start and control workflow instances",
	}

	workflowCmd.AddCommand(newWorkflowStartCommand(ctx))
	workflowCmd.AddCommand(newWorkflowListCommand(ctx))
	workflowCmd.AddCommand(newWorkflowShowCommand(ctx))
	for _, action := range []string{"pause", "resume", "stop"} {
		workflowCmd.AddCommand(newWorkflowControlCommand(ctx, action))
	}
	workflowCmd.AddCommand(newWorkflowRemoveCommand(ctx))

	return workflowCmd
}

func newWorkflowStartCommand(ctx *commandContext) *cobra.Command {
	var (
		definitionID   string
		definitionFile string
		mediaPackage   string
		configuration  map[string]string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rest.StartWorkflowRequest{
				DefinitionID:  definitionID,
				Configuration: configuration,
			}
			if definitionFile != "" {
				data, err := os.ReadFile(definitionFile)
				if err != nil {
					return err
				}
				def, err := workflow.ParseDefinition(definitionFile, data)
				if err != nil {
					return err
				}
				req.Definition = def
			}
			if req.DefinitionID == "" && req.Definition == nil {
				return errors.New("either --definition or --file is required")
			}
			mp, err := readValue(mediaPackage)
			if err != nil {
				return err
			}
			req.MediaPackage = mp

			var resp rest.WorkflowResponse
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/workflows", req, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return workflowDetail(resp) })
		},
	}

	cmd.Flags().StringVarP(&definitionID, "definition", "d", "", "Registered definition id")
	cmd.Flags().StringVarP(&definitionFile, "file", "f", "", "Inline definition file (YAML or TOML)")
	cmd.Flags().StringVarP(&mediaPackage, "mediapackage", "m", "", "Media package, or @path to read it from a file")
	cmd.Flags().StringToStringVar(&configuration, "set", nil, "Workflow configuration as key=value")
	return cmd
}

func newWorkflowListCommand(ctx *commandContext) *cobra.Command {
	var (
		state      string
		definition string
		limit      int
		offset     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if state != "" {
				query.Set("state", strings.ToUpper(state))
			}
			if definition != "" {
				query.Set("definition", definition)
			}
			query.Set("limit", strconv.Itoa(limit))
			query.Set("offset", strconv.Itoa(offset))

			var resp rest.ListWorkflowsResponse
			if err := ctx.client().get(cmd.Context(), "/api/workflows", query, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				if len(resp.Workflows) == 0 {
					return "No workflows\n"
				}
				rows := make([][]string, 0, len(resp.Workflows))
				for _, wf := range resp.Workflows {
					rows = append(rows, []string{
						wf.ID,
						wf.DefinitionID,
						wf.State,
						fmt.Sprintf("%d/%d", min(wf.CurrentOperationIndex+1, len(wf.Operations)), len(wf.Operations)),
						formatTime(wf.UpdatedAt),
					})
				}
				return renderTable([]string{"ID", "Definition", "State", "Operation", "Updated"}, rows, nil) +
					fmt.Sprintf("%d of %d\n", len(resp.Workflows), resp.Total)
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state")
	cmd.Flags().StringVar(&definition, "definition", "", "Filter by definition id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newWorkflowShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "get <id>",
		Aliases: []string{"show"},
		Short:   "Show one workflow instance and its operations",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.WorkflowResponse
			if err := ctx.client().get(cmd.Context(), "/api/workflows/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return workflowDetail(resp) })
		},
	}
}

func newWorkflowControlCommand(ctx *commandContext, action string) *cobra.Command {
	var properties map[string]string

	cmd := &cobra.Command{
		Use:   action + " <id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if len(properties) > 0 {
				body = rest.ResumeWorkflowRequest{Properties: properties}
			}
			var resp rest.WorkflowResponse
			path := "/api/workflows/" + url.PathEscape(args[0]) + "/" + action
			if err := ctx.client().do(cmd.Context(), http.MethodPost, path, body, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				return fmt.Sprintf("Workflow %s is %s\n", resp.ID, resp.State)
			})
		},
	}
	if action == "resume" {
		cmd.Flags().StringToStringVar(&properties, "set", nil, "Properties merged into the workflow configuration as key=value")
	}
	return cmd
}

func newWorkflowRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a finished workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/workflows/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed workflow %s\n", args[0])
			return nil
		},
	}
}

func workflowDetail(wf rest.WorkflowResponse) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow:   %s\n", wf.ID)
	fmt.Fprintf(&b, "Definition: %s\n", wf.DefinitionID)
	fmt.Fprintf(&b, "State:      %s\n", wf.State)
	if wf.Error != "" {
		fmt.Fprintf(&b, "Error:      %s\n", wf.Error)
	}

	rows := make([][]string, 0, len(wf.Operations))
	for i, op := range wf.Operations {
		marker := ""
		if i == wf.CurrentOperationIndex {
			marker = ">"
		}
		rows = append(rows, []string{
			marker,
			op.ID,
			op.Capability,
			op.State,
			strconv.FormatBool(op.FailOnError),
			orDash(op.JobID),
		})
	}
	b.WriteString(renderTable([]string{"", "Operation", "Capability", "State", "Fail on error", "Job"}, rows, nil))
	return b.String()
}

// readValue returns s, or the contents of the file it names when it starts with @.
func readValue(s string) (string, error) {
	if !strings.HasPrefix(s, "@") {
		return s, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(s, "@"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newDefinitionCommand(ctx *commandContext) *cobra.Command {
	definitionCmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage registered workflow definitions",
	}

	definitionCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.ListDefinitionsResponse
			if err := ctx.client().get(cmd.Context(), "/api/definitions", nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				if len(resp.Definitions) == 0 {
					return "No definitions\n"
				}
				rows := make([][]string, 0, len(resp.Definitions))
				for _, def := range resp.Definitions {
					rows = append(rows, []string{def.ID, orDash(def.Title), strconv.Itoa(len(def.Operations))})
				}
				return renderTable([]string{"ID", "Title", "Operations"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight})
			})
		},
	})

	definitionCmd.AddCommand(&cobra.Command{
		Use:     "get <id>",
		Aliases: []string{"show"},
		Short:   "Show a definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var def map[string]any
			if err := ctx.client().get(cmd.Context(), "/api/definitions/"+url.PathEscape(args[0]), nil, &def); err != nil {
				return err
			}
			return writeJSON(cmd, def)
		},
	})

	definitionCmd.AddCommand(&cobra.Command{
		Use:   "register <file>",
		Short: "Register a definition from a YAML or TOML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.ParseDefinition(args[0], data)
			if err != nil {
				return err
			}
			var resp map[string]any
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/definitions", def, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				return fmt.Sprintf("Registered definition %s\n", def.ID)
			})
		},
	})

	definitionCmd.AddCommand(&cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"unregister"},
		Short:   "Unregister a definition",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/definitions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed definition %s\n", args[0])
			return nil
		},
	})

	definitionCmd.AddCommand(&cobra.Command{
		Use:   "runnable <id>",
		Short: "Check that every operation of a definition has a host to run on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.RunnableResponse
			if err := ctx.client().get(cmd.Context(), "/api/definitions/"+url.PathEscape(args[0])+"/runnable", nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				if resp.Runnable {
					return fmt.Sprintf("Definition %s is runnable\n", resp.DefinitionID)
				}
				return fmt.Sprintf("Definition %s is not runnable, missing: %s\n",
					resp.DefinitionID, strings.Join(resp.MissingCapabilities, ", "))
			})
		},
	})

	return definitionCmd
}
