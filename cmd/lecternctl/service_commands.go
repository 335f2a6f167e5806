package main

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nemanja-m/lectern/internal/coordinator/api/rest"
)

func newServiceCommand(ctx *commandContext) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:     "service",
		Aliases: []string{"svc"},
		Short:   "Inspect the service directory",
	}

	var listType, listHost string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List service registrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			setIf(query, "type", listType)
			setIf(query, "host", listHost)

			var resp rest.ListServicesResponse
			if err := ctx.client().get(cmd.Context(), "/api/services", query, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return servicesTable(resp.Services) })
		},
	}
	listCmd.Flags().StringVar(&listType, "type", "", "Only registrations of this service type")
	listCmd.Flags().StringVar(&listHost, "host", "", "Only registrations on this host")
	serviceCmd.AddCommand(listCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "eligible <type>",
		Short: "List registrations eligible for a service type, least loaded first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.ListServicesResponse
			if err := ctx.client().get(cmd.Context(), "/api/services/eligible/"+url.PathEscape(args[0]), nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return servicesTable(resp.Services) })
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show per-registration job statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.ListServiceStatisticsResponse
			if err := ctx.client().get(cmd.Context(), "/api/services/statistics", nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				rows := make([][]string, 0, len(resp.Statistics))
				for _, s := range resp.Statistics {
					rows = append(rows, []string{
						s.ServiceType,
						s.Host,
						strconv.Itoa(s.RunningJobs),
						strconv.Itoa(s.QueuedJobs),
						fmt.Sprintf("%dms", s.MeanRunTimeMs),
						fmt.Sprintf("%dms", s.MeanQueueTimeMs),
					})
				}
				return renderTable(
					[]string{"Type", "Host", "Running", "Queued", "Mean run", "Mean queue"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight},
				)
			})
		},
	})

	serviceCmd.AddCommand(newServiceRegisterCommand(ctx))
	serviceCmd.AddCommand(newServiceUnregisterCommand(ctx))
	serviceCmd.AddCommand(newMaintenanceCommand(ctx))
	return serviceCmd
}

func newServiceRegisterCommand(ctx *commandContext) *cobra.Command {
	var producer bool
	cmd := &cobra.Command{
		Use:   "register <type> <host> <path>",
		Short: "Register a service on a host",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rest.RegisterServiceRequest{ServiceType: args[0], Host: args[1], Path: args[2], JobProducer: producer}
			var resp rest.ServiceResponse
			if err := ctx.client().do(cmd.Context(), http.MethodPost, "/api/services", req, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string { return servicesTable([]rest.ServiceResponse{resp}) })
		},
	}
	cmd.Flags().BoolVar(&producer, "producer", true, "The service accepts dispatched jobs")
	return cmd
}

func newServiceUnregisterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <type> <host> <path>",
		Short: "Remove a service registration",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{"type": {args[0]}, "host": {args[1]}, "path": {args[2]}}
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/services?"+query.Encode(), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unregistered %s on %s%s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func newMaintenanceCommand(ctx *commandContext) *cobra.Command {
	var off bool
	cmd := &cobra.Command{
		Use:   "maintenance <type> <host>",
		Short: "Put a registration into maintenance, or take it out with --off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := rest.MaintenanceRequest{ServiceType: args[0], Host: args[1], InMaintenance: !off}
			if err := ctx.client().do(cmd.Context(), http.MethodPut, "/api/services/maintenance", req, nil); err != nil {
				return err
			}
			state := "in maintenance"
			if off {
				state = "back in service"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s is %s\n", args[0], args[1], state)
			return nil
		},
	}
	cmd.Flags().BoolVar(&off, "off", false, "Leave maintenance")
	return cmd
}

func servicesTable(services []rest.ServiceResponse) string {
	if len(services) == 0 {
		return "No services\n"
	}
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		rows = append(rows, []string{
			s.ServiceType,
			s.Host,
			s.Path,
			strconv.FormatBool(s.JobProducer),
			strconv.FormatBool(s.InMaintenance),
		})
	}
	return renderTable([]string{"Type", "Host", "Path", "Producer", "Maintenance"}, rows, nil)
}

func newHostCommand(ctx *commandContext) *cobra.Command {
	hostCmd := &cobra.Command{
		Use:   "host",
		Short: "Inspect registered hosts",
	}

	hostCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.ListHostsResponse
			if err := ctx.client().get(cmd.Context(), "/api/hosts", nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				if len(resp.Hosts) == 0 {
					return "No hosts\n"
				}
				rows := make([][]string, 0, len(resp.Hosts))
				for _, h := range resp.Hosts {
					rows = append(rows, []string{
						h.Host,
						orDash(h.Address),
						strconv.Itoa(h.MaxJobs),
						strconv.Itoa(h.CPUCores),
						formatTime(h.LastHeartbeatAt),
					})
				}
				return renderTable([]string{"Host", "Address", "Max jobs", "Cores", "Last heartbeat"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft})
			})
		},
	})

	hostCmd.AddCommand(&cobra.Command{
		Use:   "load",
		Short: "Show running and queued jobs per host",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rest.HostLoadsResponse
			if err := ctx.client().get(cmd.Context(), "/api/hosts/load", nil, &resp); err != nil {
				return err
			}
			return ctx.print(cmd, resp, func() string {
				hosts := make([]string, 0, len(resp.Loads))
				for host := range resp.Loads {
					hosts = append(hosts, host)
				}
				sort.Strings(hosts)
				rows := make([][]string, 0, len(hosts))
				for _, host := range hosts {
					load := resp.Loads[host]
					rows = append(rows, []string{host, strconv.Itoa(load.Running), strconv.Itoa(load.Queued), strconv.Itoa(load.Total)})
				}
				return renderTable([]string{"Host", "Running", "Queued", "Total"}, rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight})
			})
		},
	})

	hostCmd.AddCommand(&cobra.Command{
		Use:   "remove <host>",
		Short: "Remove a host and all of its registrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ctx.client().do(cmd.Context(), http.MethodDelete, "/api/hosts/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed host %s\n", args[0])
			return nil
		},
	})

	return hostCmd
}
