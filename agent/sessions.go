package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"beatsync/registry"
)

func (a *app) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ss, err := registry.NewClient(a.cfg.Server).List(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "listing sessions")
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LABEL\tBPM\tMEASURE\tOPEN\tSTARTED\tEXPIRES\tID")
			for _, s := range ss {
				fmt.Fprintf(w, "%s\t%g\t%d\t%t\t%s\t%s\t%s\n",
					s.Label, s.BPM, s.BeatsPerMeasure, s.AllowChangesByOthers,
					time.UnixMilli(s.StartTime).Format(time.Kitchen),
					time.UnixMilli(s.ExpiresAt).Format(time.Kitchen),
					s.ID)
			}
			return w.Flush()
		},
	}
}

func (a *app) tempoCmd() *cobra.Command {
	var (
		force bool
		beats int
	)
	cmd := &cobra.Command{
		Use:   "tempo <label> <bpm>",
		Short: "Change a session's tempo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bpm, err := strconv.ParseFloat(args[1], 64)
			if err != nil || bpm <= 0 {
				return errors.Errorf("invalid bpm %q", args[1])
			}
			rc := registry.NewClient(a.cfg.Server)
			s, err := rc.Get(cmd.Context(), args[0])
			if err != nil {
				return errors.Wrapf(err, "looking up session %q", args[0])
			}
			req := registry.UpdateRequest{ID: s.ID, BPM: &bpm, Force: force}
			if cmd.Flags().Changed("beats") {
				req.BeatsPerMeasure = &beats
			}
			s, err = rc.Update(cmd.Context(), req)
			if errors.Is(err, registry.ErrForbidden) {
				return errors.Errorf("session %q does not allow changes by others (use --force)", args[0])
			}
			if err != nil {
				return err
			}
			a.log.WithField("label", s.Label).WithField("bpm", s.BPM).Info("tempo changed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "change the tempo even if the leader does not allow it")
	cmd.Flags().IntVar(&beats, "beats", 0, "also change the beats per measure")
	return cmd
}
