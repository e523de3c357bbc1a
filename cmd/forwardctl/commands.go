package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/smsforward/internal/model"
)

type clientFunc func() *apiClient

func newExportCmd(client clientFunc) *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print the configuration backup text",
		Long:  "Prints the base64 backup of every email target. The backup contains passwords in clear text.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := client().do(cmd.Context(), http.MethodGet, "/config/export", nil, nil, "")
			if err != nil {
				return err
			}
			if outFile == "" {
				printf(cmd.OutOrStdout(), "%s\n", data)
				return nil
			}
			return os.WriteFile(outFile, data, 0o600)
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the backup to a file instead of stdout")
	return cmd
}

func newImportCmd(client clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Replace all email targets with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			var res struct {
				Imported int `json:"imported"`
			}
			raw, err := client().do(cmd.Context(), http.MethodPost, "/config/import", nil,
				bytes.NewReader(bytes.TrimSpace(data)), "text/plain")
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &res); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "imported %d target(s)\n", res.Imported)
			return nil
		},
	}
}

func newTargetsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List and test email targets",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List email targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Data []model.TransportTarget `json:"data"`
			}
			if err := client().getJSON(cmd.Context(), "/targets", nil, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tADDRESS\tSERVER\tENABLED\tPROXY")
			for _, t := range res.Data {
				proxy := "-"
				if t.Proxy.Active() {
					proxy = fmt.Sprintf("%s %s:%d", t.Proxy.Type, t.Proxy.Host, t.Proxy.Port)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s:%d\t%t\t%s\n", t.ID, t.DisplayName, t.Address, t.Host, t.Port, t.Enabled, proxy)
			}
			return tw.Flush()
		},
	}

	test := &cobra.Command{
		Use:   "test <id>",
		Short: "Open an authenticated session with the target's server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().sendJSON(cmd.Context(), http.MethodPost, "/targets/"+url.PathEscape(args[0])+"/test", nil, nil); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			printf(cmd.OutOrStdout(), "connection test passed\n")
			return nil
		},
	}

	testProxy := &cobra.Command{
		Use:   "test-proxy <id>",
		Short: "Check that the target's proxy forwards traffic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Message string `json:"message"`
			}
			if err := client().sendJSON(cmd.Context(), http.MethodPost, "/targets/"+url.PathEscape(args[0])+"/test-proxy", nil, &res); err != nil {
				return fmt.Errorf("proxy test failed: %w", err)
			}
			printf(cmd.OutOrStdout(), "%s\n", res.Message)
			return nil
		},
	}

	toggle := &cobra.Command{
		Use:   "toggle <id>",
		Short: "Enable or disable a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t model.TransportTarget
			if err := client().sendJSON(cmd.Context(), http.MethodPost, "/targets/"+url.PathEscape(args[0])+"/toggle", nil, &t); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s enabled=%t\n", t.Address, t.Enabled)
			return nil
		},
	}

	cmd.AddCommand(list, test, testProxy, toggle)
	return cmd
}

func newChannelsCmd(client clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Show channels and change their gates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Data []model.Channel `json:"data"`
			}
			if err := client().getJSON(cmd.Context(), "/channels", nil, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SLOT\tNAME\tCARRIER\tTYPE\tENABLED")
			for _, c := range res.Data {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", c.Slot, c.DisplayName, c.CarrierName, c.ChannelType, c.Enabled)
			}
			return tw.Flush()
		},
	}

	gate := func(use string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <slot>",
			Short: use + " forwarding for a channel",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				slot, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid slot %q", args[0])
				}
				body := map[string]bool{"enabled": enabled}
				if err := client().sendJSON(cmd.Context(), http.MethodPut, "/channels/"+strconv.Itoa(slot), body, nil); err != nil {
					return err
				}
				printf(cmd.OutOrStdout(), "slot %d enabled=%t\n", slot, enabled)
				return nil
			},
		}
	}
	cmd.AddCommand(gate("enable", true), gate("disable", false))
	return cmd
}

func newInjectCmd(client clientFunc) *cobra.Command {
	var (
		from    string
		content string
		slot    int
	)
	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Send a test inbound event to the listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(from) == "" {
				return fmt.Errorf("--from is required")
			}
			body := map[string]any{
				"originAddress": from,
				"content":       content,
				"receivedAt":    time.Now().UTC(),
			}
			if cmd.Flags().Changed("slot") {
				body["slot"] = slot
			}
			if err := client().sendJSON(cmd.Context(), http.MethodPost, "/events", body, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "event accepted\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "origin address")
	cmd.Flags().StringVar(&content, "content", "test message", "message text")
	cmd.Flags().IntVar(&slot, "slot", 0, "channel slot the event arrives on")
	return cmd
}

func newEventsCmd(client clientFunc) *cobra.Command {
	var (
		origin string
		state  string
		since  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List forwarded messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "origin", origin)
			setIf(q, "state", state)
			setIf(q, "since", since)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var res struct {
				Data []model.EventRecord `json:"data"`
			}
			if err := client().getJSON(cmd.Context(), "/events", q, &res); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tRECEIVED\tFROM\tSLOT\tSTATE\tTARGETS\tERROR")
			for _, e := range res.Data {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", e.ID, e.ReceivedAt.Local().Format(time.DateTime),
					e.OriginAddress, e.ChannelSlot+1, e.State, strings.Join(e.TargetsNotified, ","), e.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "", "filter by origin substring")
	cmd.Flags().StringVar(&state, "state", "", "pending, forwarded or failed")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 time or epoch milliseconds")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")

	resend := &cobra.Command{
		Use:   "resend <id>",
		Short: "Forward a stored message again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().sendJSON(cmd.Context(), http.MethodPost, "/events/"+url.PathEscape(args[0])+"/resend", nil, nil); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "resend scheduled\n")
			return nil
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show received and forwarded counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var s model.EventStats
			if err := client().getJSON(cmd.Context(), "/events/stats", nil, &s); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "total=%d forwarded=%d\n", s.Total, s.Forwarded)
			return nil
		},
	}

	cmd.AddCommand(resend, stats)
	return cmd
}

func newDiagnosticsCmd(client clientFunc) *cobra.Command {
	var (
		level  string
		tag    string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "diagnostics",
		Aliases: []string{"logs"},
		Short:   "Show the runtime diagnostic log",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "level", level)
			setIf(q, "tag", tag)
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			var res struct {
				Data []model.DiagnosticEntry `json:"data"`
			}
			if err := client().getJSON(cmd.Context(), "/diagnostics", q, &res); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), res.Data)
			}
			for _, e := range res.Data {
				line := fmt.Sprintf("%s %-5s [%s] %s", e.Timestamp.Local().Format(time.DateTime), e.Level, e.Tag, e.Message)
				if e.Detail != "" {
					line += ": " + e.Detail
				}
				printf(cmd.OutOrStdout(), "%s\n", line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&level, "level", "ALL", "ALL, INFO, WARN or ERROR")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by component tag")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (server default 500)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every diagnostic entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := client().do(cmd.Context(), http.MethodDelete, "/diagnostics", nil, nil, ""); err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "diagnostics cleared\n")
			return nil
		},
	})
	return cmd
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
