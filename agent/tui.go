package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"beatsync/liveness"
	"beatsync/schedule"
	"beatsync/trace"
)

const (
	tuiRefresh   = 50 * time.Millisecond
	tuiTraceRows = 12
)

// tui is the terminal status view: session, beat, sync, trace and log.
type tui struct {
	app  *tview.Application
	rt   *runtime
	rec  *trace.Recorder

	header     *tview.TextView
	status     *tview.Table
	beat       *tview.TextView
	sync       *tview.TextView
	tracePanel *tview.TextView
	logPanel   *tview.TextView
	footer     *tview.TextView
}

// runTUI shows the status view until ctx is done or the user quits, in
// which case quit is called.
func (a *app) runTUI(ctx context.Context, rt *runtime, quit context.CancelFunc) error {
	t := &tui{app: tview.NewApplication(), rt: rt, rec: a.rec}
	t.setupComponents()
	t.setupLayout()
	t.setupKeyBindings()

	a.out.Set(&tuiLogWriter{view: t.logPanel})
	defer a.out.Set(os.Stderr)

	go func() {
		ticker := time.NewTicker(tuiRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.app.Stop()
				return
			case <-ticker.C:
				t.app.QueueUpdateDraw(t.update)
			}
		}
	}()
	err := t.app.Run()
	quit()
	return err
}

func (t *tui) setupComponents() {
	t.header = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true)

	t.status = tview.NewTable().
		SetBorders(false).
		SetSelectable(false, false)
	t.status.SetTitle(" Session ").SetBorder(true)

	t.beat = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetWrap(false)
	t.beat.SetTitle(" Beat ").SetBorder(true)

	t.sync = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	t.sync.SetTitle(" Clock ").SetBorder(true)

	t.tracePanel = tview.NewTextView().
		SetDynamicColors(false).
		SetWrap(false)
	t.tracePanel.SetTitle(" Trace ").SetBorder(true)

	t.logPanel = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() {
			t.logPanel.ScrollToEnd()
		})
	t.logPanel.SetTitle(" Log ").SetBorder(true)

	t.footer = tview.NewTextView().
		SetTextAlign(tview.AlignCenter).
		SetDynamicColors(true).
		SetText("[black:white] ↑/↓ BPM ±1 [black:white] PgUp/PgDn BPM ±10 [black:white] Q Quit ")
}

func (t *tui) setupLayout() {
	top := tview.NewFlex().
		AddItem(t.status, 0, 1, false).
		AddItem(t.beat, 0, 1, false).
		AddItem(t.sync, 0, 1, false)

	body := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 9, 0, false).
		AddItem(t.tracePanel, tuiTraceRows+2, 0, false).
		AddItem(t.logPanel, 0, 1, false)

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(t.header, 1, 0, false).
		AddItem(body, 0, 1, true).
		AddItem(t.footer, 1, 0, false)

	t.app.SetRoot(layout, true)
}

func (t *tui) setupKeyBindings() {
	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch {
		case event.Rune() == 'q' || event.Rune() == 'Q' || event.Key() == tcell.KeyEscape:
			t.app.Stop()
			return nil
		case event.Key() == tcell.KeyUp:
			t.rt.adjustTempo(1)
			return nil
		case event.Key() == tcell.KeyDown:
			t.rt.adjustTempo(-1)
			return nil
		case event.Key() == tcell.KeyPgUp:
			t.rt.adjustTempo(10)
			return nil
		case event.Key() == tcell.KeyPgDn:
			t.rt.adjustTempo(-10)
			return nil
		}
		return event
	})
}

func (t *tui) update() {
	st := t.rt.status()

	state := "[red]● IDLE"
	switch st.Schedule.State {
	case schedule.Armed:
		state = "[yellow]● ARMED"
	case schedule.Running:
		state = "[green]● RUNNING"
	}
	t.header.SetText(fmt.Sprintf("[white:blue:b] beatsync %s [::-] %s", st.Role, state))

	t.status.Clear()
	row := 0
	cell := func(k, v string) {
		t.status.SetCell(row, 0, tview.NewTableCell(k).SetTextColor(tcell.ColorYellow))
		t.status.SetCell(row, 1, tview.NewTableCell(v))
		row++
	}
	cell("Label:", st.Label)
	cell("Tempo:", fmt.Sprintf("%.1f BPM", st.Schedule.Tempo))
	cell("Measure:", fmt.Sprintf("%d", st.Schedule.BeatsPerMeasure))
	if st.Role == roleLeader {
		cell("Followers:", fmt.Sprintf("%d", st.Peers))
	}
	if st.Stream != "" {
		stream := "[green]" + st.Stream
		if st.Stream == liveness.FallbackActive.String() {
			stream = "[red]" + st.Stream
		}
		cell("Stream:", stream)
	}

	var beat strings.Builder
	fmt.Fprintf(&beat, "\n[white::b]%s[white::-]\n\n", tview.Escape(st.Frame))
	if st.Schedule.LastFired >= 0 {
		fmt.Fprintf(&beat, "[cyan]Beat:[white] %d\n", st.Schedule.LastFired)
	}
	fmt.Fprintf(&beat, "[cyan]Pending:[white] %d", st.Schedule.Pending)
	t.beat.SetText(beat.String())

	var clk strings.Builder
	if st.Estimate.Seeded() {
		fmt.Fprintf(&clk, "[cyan]Offset:[white] %+.1f ms\n", st.Estimate.OffsetMs)
		fmt.Fprintf(&clk, "[cyan]Delay:[white]  %.1f ms\n", st.Estimate.DelayMs)
		fmt.Fprintf(&clk, "[cyan]Samples:[white] %d\n", st.Estimate.Samples)
		fmt.Fprintf(&clk, "[cyan]Updated:[white] %s", st.Estimate.LastUpdated.Format("15:04:05"))
	} else {
		clk.WriteString("[darkgray]No reference clock")
	}
	if st.Gated {
		clk.WriteString("\n[yellow]Local output muted")
	}
	t.sync.SetText(clk.String())

	rows := t.rec.Rows()
	if len(rows) > tuiTraceRows {
		rows = rows[len(rows)-tuiTraceRows:]
	}
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = r.String()
	}
	t.tracePanel.SetText(strings.Join(lines, "\n"))
}

// tuiLogWriter sends log lines to the log panel.
type tuiLogWriter struct {
	view *tview.TextView
}

func (w *tuiLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	fmt.Fprintf(w.view, "%s\n", tview.Escape(msg))
	return len(p), nil
}
