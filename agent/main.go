// Command agent is a metronome node: it leads a session, follows one, or
// plays locally, and drives the configured beat outputs.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/writer"
	"github.com/spf13/cobra"

	"beatsync/config"
	"beatsync/trace"
)

// app carries what every subcommand shares once flags are parsed.
type app struct {
	configPath string
	cfg        config.Config
	log        *logrus.Logger
	out        *switchWriter
	rec        *trace.Recorder
	tui        bool

	flags struct {
		server     string
		logLevel   string
		visual     bool
		osc        string
		midi       string
		serial     string
		serialBaud int
		journal    string
	}
}

func main() {
	a := &app{}
	if err := a.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agent",
		Short:        "Clock-synchronized metronome agent",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.rec != nil {
				return a.rec.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", os.Getenv("BEATSYNC_CONFIG"), "YAML config file")
	pf.StringVarP(&a.flags.server, "server", "s", "", "beatsync server URL (env BEATSYNC_SERVER)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "log level (debug shows every beat)")
	pf.BoolVar(&a.tui, "tui", false, "show the terminal UI")
	pf.BoolVar(&a.flags.visual, "visual", true, "draw the beat indicator on stdout")
	pf.StringVar(&a.flags.osc, "osc", "", "send beats as OSC to host:port")
	pf.StringVar(&a.flags.midi, "midi", "", "send beats as MIDI notes to the output port matching this name")
	pf.StringVar(&a.flags.serial, "serial", "", "send beats to a visual indicator on this serial port")
	pf.IntVar(&a.flags.serialBaud, "serial-baud", 0, "serial baud rate")
	pf.StringVar(&a.flags.journal, "trace-journal", "", "append trace rows to this bbolt file")

	root.AddCommand(
		a.leadCmd(),
		a.joinCmd(),
		a.localCmd(),
		a.sessionsCmd(),
		a.tempoCmd(),
		a.discoverCmd(),
		a.traceCmd(),
	)
	return root
}

// setup loads configuration, applies flags and builds the logger with the
// trace recorder attached.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed("server") {
		cfg.Server = a.flags.server
	}
	if f.Changed("log-level") {
		cfg.LogLevel = a.flags.logLevel
	}
	if f.Changed("visual") {
		cfg.Sinks.Visual = a.flags.visual
	}
	if f.Changed("osc") {
		cfg.Sinks.OSC = a.flags.osc
	}
	if f.Changed("midi") {
		cfg.Sinks.MIDI = a.flags.midi
	}
	if f.Changed("serial") {
		cfg.Sinks.Serial = a.flags.serial
	}
	if f.Changed("serial-baud") {
		cfg.Sinks.SerialBaud = a.flags.serialBaud
	}
	if f.Changed("trace-journal") {
		cfg.Trace.Journal = a.flags.journal
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	// Trace rows are recorded at debug level whatever the configured level,
	// so output goes through a writer hook limited to the configured levels.
	a.log = cfg.Logger()
	level := a.log.GetLevel()
	if level < logrus.DebugLevel {
		a.log.SetLevel(logrus.DebugLevel)
	}
	a.out = &switchWriter{w: os.Stderr}
	if a.tui {
		a.out.Set(io.Discard)
		a.cfg.Sinks.Visual = false
	}
	a.log.SetOutput(io.Discard)
	a.log.AddHook(&writer.Hook{Writer: a.out, LogLevels: logrus.AllLevels[:level+1]})

	a.rec = trace.NewRecorder(cfg.Trace.Rows)
	// The trace command reads journals, so it must not hold one open.
	if cfg.Trace.Journal != "" && cmd.Name() != "trace" {
		if err := a.rec.OpenJournal(cfg.Trace.Journal); err != nil {
			return err
		}
	}
	a.log.AddHook(a.rec)
	return nil
}

// switchWriter lets the TUI take over log output after setup.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// signalContext is canceled on interrupt or termination.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
