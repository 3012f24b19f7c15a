package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func (a *app) localCmd() *cobra.Command {
	var (
		bpm   float64
		beats int
	)
	cmd := &cobra.Command{
		Use:   "local",
		Short: "Play a metronome on this device only",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := a.newRuntime(roleLocal, beats)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.label = "local"

			// No reference clock: the estimate stays at zero offset and
			// beat 0 sounds right away.
			if err := rt.sched.Start(time.Time{}, bpm, beats); err != nil {
				return err
			}
			if !a.tui {
				<-ctx.Done()
				return nil
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return a.runTUI(ctx, rt, cancel) })
			return g.Wait()
		},
	}
	cmd.Flags().Float64VarP(&bpm, "bpm", "b", 120, "tempo in beats per minute")
	cmd.Flags().IntVar(&beats, "beats", 4, "beats per measure (0 for no accent)")
	return cmd
}
