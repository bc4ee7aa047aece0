// Command gatewardenctl drives the gatewarden admin API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"gatewarden/waf/admin"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewardenctl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		client  *admin.Client
	)

	root := &cobra.Command{
		Use:           "gatewardenctl",
		Short:         "Manage a running gatewarden instance",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = admin.NewClient(addr)
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "admin API base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	withTimeout := func(cmd *cobra.Command) (context.Context, context.CancelFunc) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return context.WithTimeout(ctx, timeout)
	}

	var reason string
	blockCmd := &cobra.Command{
		Use:   "block <ip>",
		Short: "Add an IP to the block list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Block(ctx, args[0], reason)
			if err != nil {
				return err
			}
			if res.Added {
				fmt.Fprintf(out, "blocked %s\n", res.Entry.IP)
			} else {
				fmt.Fprintf(out, "%s was already blocked\n", res.Entry.IP)
			}
			return nil
		},
	}
	blockCmd.Flags().StringVar(&reason, "reason", "", "reason recorded with the block")

	unblockCmd := &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Remove an IP from the block list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Unblock(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Removed {
				fmt.Fprintf(out, "unblocked %s\n", res.IP)
			} else {
				fmt.Fprintf(out, "%s was not blocked\n", res.IP)
			}
			return nil
		},
	}

	blocksCmd := &cobra.Command{
		Use:   "blocks",
		Short: "List blocked IPs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			entries, err := client.Blocks(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IP\tORIGIN\tSINCE\tEXPIRES\tREASON")
			for _, e := range entries {
				expires := "never"
				if e.ExpiresAt != nil {
					expires = e.ExpiresAt.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.IP, e.Origin, e.BlockedAt.Format(time.RFC3339), expires, e.Reason)
			}
			return tw.Flush()
		},
	}

	var since, until string
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show security statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseWhen(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			to, err := parseWhen(until)
			if err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			stats, err := client.Stats(ctx, from, to)
			if err != nil {
				return err
			}
			return printJSON(out, stats)
		},
	}
	statsCmd.Flags().StringVar(&since, "since", "", "window start, RFC 3339 or a duration ago such as 24h")
	statsCmd.Flags().StringVar(&until, "until", "", "window end, RFC 3339 or a duration ago")

	cleanupCmd := &cobra.Command{
		Use:   "cleanup <retention-days>",
		Short: "Purge audit records and expired state older than the retention",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid retention %q", args[0])
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			res, err := client.Cleanup(ctx, days)
			if err != nil {
				return err
			}
			return printJSON(out, res)
		},
	}

	root.AddCommand(blockCmd, unblockCmd, blocksCmd, statsCmd, cleanupCmd)
	return root
}

// parseWhen accepts an RFC 3339 timestamp or a duration before now.
func parseWhen(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
