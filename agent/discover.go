package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"beatsync/discovery"
	"beatsync/trace"
)

func (a *app) discoverCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Find leaders on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			leaders, err := discovery.Browse(ctx, a.log)
			if err != nil {
				return err
			}
			if len(leaders) == 0 {
				fmt.Println("no leaders found")
				return nil
			}
			for _, l := range leaders {
				fmt.Printf("%-16s %s\n", l.Label, l.Endpoint())
			}
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "how long to listen")
	return cmd
}

func (a *app) traceCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "trace <journal>",
		Short: "Print the rows recorded in a trace journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := trace.ReadJournal(args[0], kind)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Println(r)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "only rows of this kind")
	return cmd
}
