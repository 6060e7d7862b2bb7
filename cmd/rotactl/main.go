// Command rotactl is an operator CLI for the MailRota HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var apiURL string

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rotactl",
		Short:         "MailRota operator CLI",
		Long:          "Inspect the delivery queue, trigger batches and manage sender accounts.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def := os.Getenv("MAILROTA_API_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	root.PersistentFlags().StringVar(&apiURL, "api-url", def, "MailRota API base URL (env MAILROTA_API_URL)")

	root.AddCommand(
		newQueueCmd(out),
		newTaskCmd(out),
		newSenderCmd(out),
		newHealthCmd(out),
		newCampaignCmd(out),
	)
	return root
}

// call runs one request and prints the JSON response.
func call(cmd *cobra.Command, out io.Writer, method, path string, query url.Values, body any, contentType string) error {
	var resp any
	if err := NewClient(apiURL).Do(cmd.Context(), method, path, query, body, contentType, &resp); err != nil {
		return err
	}
	return printJSON(out, resp)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ----------------------------
// Queue
// ----------------------------

func newQueueCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Queue statistics and batch processing"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show task counts by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodGet, "/api/queue/stats", nil, nil, "")
		},
	}

	var maxTasks int
	var async bool
	process := &cobra.Command{
		Use:   "process",
		Short: "Run one delivery batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if maxTasks > 0 {
				q.Set("max", strconv.Itoa(maxTasks))
			}
			if async {
				q.Set("async", "true")
			}
			return call(cmd, out, http.MethodPost, "/api/queue/process", q, nil, "")
		},
	}
	process.Flags().IntVar(&maxTasks, "max", 0, "maximum tasks in the batch (server default when 0)")
	process.Flags().BoolVar(&async, "async", false, "hand the batch to the worker pool and return immediately")

	stuck := &cobra.Command{
		Use:   "stuck",
		Short: "List tasks stuck in processing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodGet, "/api/queue/stuck", nil, nil, "")
		},
	}

	release := &cobra.Command{
		Use:   "release-stuck",
		Short: "Return stuck tasks to the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodPost, "/api/queue/release-stuck", nil, nil, "")
		},
	}

	cmd.AddCommand(stats, process, stuck, release)
	return cmd
}

// ----------------------------
// Tasks
// ----------------------------

func newTaskCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect and control delivery tasks"}

	get := &cobra.Command{
		Use:   "get [task-id]",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, out, http.MethodGet, "/api/tasks/"+url.PathEscape(args[0]), nil, nil, "")
		},
	}
	cmd.AddCommand(get)

	for _, action := range []string{"pause", "resume", "cancel"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " [task-id]",
			Short: "Apply " + action + " to a task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, out, http.MethodPost, "/api/tasks/"+url.PathEscape(args[0])+"/"+action, nil, nil, "")
			},
		})
	}
	return cmd
}

// ----------------------------
// Senders
// ----------------------------

func newSenderCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "sender", Short: "Manage sender accounts"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List sender accounts with quota and health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodGet, "/api/senders", nil, nil, "")
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show rotation capacity for today",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodGet, "/api/senders/stats", nil, nil, "")
		},
	}

	get := &cobra.Command{
		Use:   "get [email]",
		Short: "Show one sender account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, out, http.MethodGet, "/api/senders/"+url.PathEscape(args[0]), nil, nil, "")
		},
	}

	var reason string
	suspend := &cobra.Command{
		Use:   "suspend [email]",
		Short: "Suspend a sender account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": reason}
			return call(cmd, out, http.MethodPost, "/api/senders/"+url.PathEscape(args[0])+"/suspend", nil, body, "")
		},
	}
	suspend.Flags().StringVar(&reason, "reason", "", "reason recorded with the suspension")

	cmd.AddCommand(list, stats, get, suspend)

	for _, action := range []string{"reactivate", "enable", "disable", "primary", "reset-counters"} {
		cmd.AddCommand(&cobra.Command{
			Use:   action + " [email]",
			Short: "Apply " + action + " to a sender account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, out, http.MethodPost, "/api/senders/"+url.PathEscape(args[0])+"/"+action, nil, nil, "")
			},
		})
	}
	return cmd
}

// ----------------------------
// Health
// ----------------------------

func newHealthCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health [email]",
		Short: "Show sender health, for one account or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return call(cmd, out, http.MethodGet, "/api/health/senders/"+url.PathEscape(args[0]), nil, nil, "")
			}
			return call(cmd, out, http.MethodGet, "/api/health/senders", nil, nil, "")
		},
	}

	var warnings bool
	unhealthy := &cobra.Command{
		Use:   "unhealthy",
		Short: "List critical and suspended senders",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			if warnings {
				q.Set("include_warnings", "true")
			}
			return call(cmd, out, http.MethodGet, "/api/health/unhealthy", q, nil, "")
		},
	}
	unhealthy.Flags().BoolVar(&warnings, "warnings", false, "include senders in warning state")

	check := &cobra.Command{
		Use:   "check",
		Short: "Run the scheduled health check now (may auto-suspend senders)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodPost, "/api/health/check", nil, nil, "")
		},
	}

	cmd.AddCommand(unhealthy, check)
	return cmd
}

// ----------------------------
// Campaigns
// ----------------------------

func newCampaignCmd(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{Use: "campaign", Short: "Campaign progress and imports"}

	list := &cobra.Command{
		Use:   "list",
		Short: "Show progress for every campaign",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return call(cmd, out, http.MethodGet, "/api/campaigns", nil, nil, "")
		},
	}

	progress := &cobra.Command{
		Use:   "progress [campaign-id]",
		Short: "Show progress for one campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd, out, http.MethodGet, "/api/campaigns/"+url.PathEscape(args[0])+"/progress", nil, nil, "")
		},
	}

	var subject, body string
	var maxRows int
	imp := &cobra.Command{
		Use:   "import [campaign-id] [file.csv]",
		Short: "Enqueue one task per CSV row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			q := url.Values{}
			if subject != "" {
				q.Set("subject", subject)
			}
			if body != "" {
				q.Set("body", body)
			}
			if maxRows > 0 {
				q.Set("max_rows", strconv.Itoa(maxRows))
			}
			return call(cmd, out, http.MethodPost, "/api/campaigns/"+url.PathEscape(args[0])+"/import", q, f, "text/csv")
		},
	}
	imp.Flags().StringVar(&subject, "subject", "", "subject template for rows without a subject")
	imp.Flags().StringVar(&body, "body", "", "HTML body template for rows without a body")
	imp.Flags().IntVar(&maxRows, "max-rows", 0, "row limit (server default when 0)")

	cmd.AddCommand(list, progress, imp)
	return cmd
}
