package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"tsxstudio/internal/desktop"
)

func isTTY(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice != 0
}

// follow drains an invocation's events into a progress bar on a terminal, or
// into plain lines otherwise, until the event stream closes.
func follow(events <-chan desktop.Event, description string) {
	if !isTTY(os.Stderr) {
		for ev := range events {
			switch ev.Kind {
			case desktop.EventLog:
				fmt.Fprintln(os.Stderr, ev.Message)
			case desktop.EventProgress:
				fmt.Fprintf(os.Stderr, "%s %d%%\n", description, ev.Percent)
			}
		}
		return
	}

	p := mpb.New(mpb.WithOutput(os.Stderr), mpb.WithRefreshRate(120*time.Millisecond))
	bar := p.AddBar(100,
		mpb.PrependDecorators(
			decor.Name(description+" ", decor.WC{W: len(description) + 1, C: decor.DindentRight}),
		),
		mpb.AppendDecorators(
			decor.Percentage(decor.WCSyncSpace),
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WCSyncSpace), " done"),
		),
	)

	for ev := range events {
		switch ev.Kind {
		case desktop.EventProgress:
			bar.SetCurrent(int64(ev.Percent))
		case desktop.EventLog:
			_, _ = p.Write([]byte(ev.Message + "\n"))
		}
	}
	if bar.Current() >= 100 {
		bar.SetTotal(-1, true)
	} else {
		bar.Abort(false)
	}
	p.Wait()
}
