// Copyright 2026 The Mech Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mechsup/mech/rest"
)

/*
   The screen looks like this:

    Supervisor: http://127.0.0.1:8321                                mechctl
    mongo-2 on host-a (production)
   ____________________________________________________________________________
    State:       monitoring
    Worker:      running
    Exit code:   -
    Starts:      3     Recoveries:  1     Restarts:  1
    Last recovery: 4m10s ago
   ...
    [Q]uit [R]estart
*/

var (
	styleNormal = tcell.StyleDefault
	styleTitle  = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	styleGood = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorGreen).
			Bold(true)
	styleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorYellow)
	styleError = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).
			Background(tcell.ColorMaroon).
			Bold(true)
)

// statusStyle colors the status bar after the supervisor state.
func statusStyle(s *rest.StatusInfo, err error) tcell.Style {
	switch {
	case err != nil:
		return styleError
	case s == nil:
		return styleTitle
	case s.State == "monitoring" && s.WorkerStatus == "running":
		return styleGood
	case s.State == "terminated":
		return styleError
	}
	return styleWarn
}

type top struct {
	screen tcell.Screen
	client *rest.Client
	addr   string
	status *rest.StatusInfo
	err    error
	note   string
}

// puts writes str at x, y, and returns the column after it.
func (t *top) puts(x, y int, style tcell.Style, str string) int {
	for _, r := range str {
		t.screen.SetContent(x, y, r, nil, style)
		x += runewidth.RuneWidth(r)
	}
	return x
}

func (t *top) fill(y int, style tcell.Style) {
	w, _ := t.screen.Size()
	for x := 0; x < w; x++ {
		t.screen.SetContent(x, y, ' ', nil, style)
	}
}

func (t *top) draw() {
	t.screen.Clear()
	w, h := t.screen.Size()

	t.fill(0, styleTitle)
	t.puts(1, 0, styleTitle, "Supervisor: "+t.addr)
	t.puts(w-8, 0, styleTitle, "mechctl")

	sb := statusStyle(t.status, t.err)
	t.fill(1, sb)
	switch {
	case t.err != nil:
		t.puts(1, 1, sb, "Error: "+t.err.Error())
	case t.status == nil:
		t.puts(1, 1, sb, "Connecting...")
	default:
		s := t.status
		t.puts(1, 1, sb, fmt.Sprintf("%s on %s (%s)", s.Worker, s.Host, s.Environment))

		t.puts(1, 3, styleNormal, fmt.Sprintf("State:       %s", s.State))
		t.puts(1, 4, styleNormal, fmt.Sprintf("Worker:      %s", s.WorkerStatus))
		t.puts(1, 5, styleNormal, fmt.Sprintf("Exit code:   %s", exitCode(s)))
		t.puts(1, 6, styleNormal, fmt.Sprintf("Starts:      %-5d Recoveries:  %-5d Restarts:  %d",
			s.Starts, s.Recoveries, s.Restarts))
		t.puts(1, 7, styleNormal, fmt.Sprintf("Last recovery: %s ago", since(s.LastRecovery)))
		t.puts(1, 8, styleNormal, fmt.Sprintf("Updated:       %s ago", since(s.UpdateTime)))
	}
	if t.note != "" {
		t.puts(1, h-2, styleNormal, t.note)
	}
	t.fill(h-1, styleTitle)
	t.puts(1, h-1, styleTitle, "[Q]uit [R]estart")
	t.screen.Show()
}

type statusEvent struct {
	status *rest.StatusInfo
	err    error
}

// watch long-polls the status, and posts every change to the screen.
func (t *top) watch(ctx context.Context) {
	var last *rest.StatusInfo
	for ctx.Err() == nil {
		s, err := t.client.WatchStatus(ctx, last)
		if ctx.Err() != nil {
			return
		}
		t.screen.PostEvent(tcell.NewEventInterrupt(statusEvent{s, err}))
		if err != nil {
			last = nil
			time.Sleep(time.Second)
			continue
		}
		last = s
	}
}

func (t *top) run(ctx context.Context) error {
	if err := t.screen.Init(); err != nil {
		return err
	}
	defer t.screen.Fini()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go t.watch(ctx)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.screen.PostEvent(tcell.NewEventInterrupt(nil))
			}
		}
	}()

	t.draw()
	for {
		switch ev := t.screen.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			t.screen.Sync()
		case *tcell.EventInterrupt:
			if se, ok := ev.Data().(statusEvent); ok {
				t.status, t.err = se.status, se.err
			}
		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyEscape, ev.Key() == tcell.KeyCtrlC,
				ev.Key() == tcell.KeyRune && (ev.Rune() == 'q' || ev.Rune() == 'Q'):
				return nil
			case ev.Key() == tcell.KeyRune && (ev.Rune() == 'r' || ev.Rune() == 'R'):
				rctx, rcancel := context.WithTimeout(ctx, requestTimeout)
				if err := t.client.Restart(rctx); err != nil {
					t.note = "Restart failed: " + err.Error()
				} else {
					t.note = "Restart requested at " + time.Now().Format(time.TimeOnly)
				}
				rcancel()
			}
		}
		t.draw()
	}
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show a continuously updated status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		screen, err := tcell.NewScreen()
		if err != nil {
			return err
		}
		t := &top{screen: screen, client: client, addr: viper.GetString("address")}
		return t.run(cmd.Context())
	},
}
