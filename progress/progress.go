package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/folder-unzip/stats"
)

// Bar manages a progress bar over the items of the swept folder. The total
// is only known once the folder has been listed, so the bar starts on the
// listed event.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	current int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar; a disabled bar ignores every event.
func New(enabled bool) *Bar {
	return &Bar{enabled: enabled}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		b.total = evt.Count
		pterm.Info.Printf("Items in folder: %d\n", evt.Count)
		if evt.Count == 0 {
			return
		}
		pb, err := pterm.DefaultProgressbar.
			WithTotal(evt.Count).
			WithTitle("Processing messages").
			Start()
		if err == nil {
			b.pb = pb
		}
	case stats.EventTypeScanned, stats.EventTypeOtherItem:
		b.current++
		if b.pb == nil {
			return
		}
		b.pb.Increment()

		if evt.Subject != "" {
			b.pb.UpdateTitle("Processing: " + shorten(evt.Subject, 40))
		}
	case stats.EventTypeRejected:
		pterm.Warning.Printf("Rejected archive entry %s in %s\n", evt.Entry, evt.Attachment)
	case stats.EventTypeError:
		// Errors go above the bar
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

// shorten cuts s to at most limit runes, marking the cut with "...".
func shorten(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.pb.Total {
		b.pb.Current = b.pb.Total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Progress returns the processed and total item counts.
func (b *Bar) Progress() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current, b.total
}

// Subscriber updates the bar from the event stream and stops it when the
// stream ends.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter prints a summary section once the run has finished.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
	done      chan struct{}
}

// NewProgressReporter subscribes the bar and a summary printer when the bar
// is enabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
		done:      make(chan struct{}),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	} else {
		close(reporter.done)
	}

	return reporter
}

// Summary returns the totals seen by the reporter.
func (pr *ProgressReporter) Summary() stats.Summary {
	<-pr.done
	return pr.collector.Snapshot()
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	defer close(pr.done)
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started)

	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Items listed: %d\n", summary.Listed)
	pterm.Info.Printf("Messages scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Already read (skipped): %d\n", summary.AlreadyRead)
	pterm.Info.Printf("Other items (skipped): %d\n", summary.OtherItems)
	pterm.Info.Printf("Attachments saved: %d\n", summary.Saved)
	pterm.Info.Printf("Entries extracted: %d\n", summary.Extracted)
	pterm.Info.Printf("Entries kept (not newer): %d\n", summary.Skipped)
	if summary.Rejected > 0 {
		pterm.Warning.Printf("Entries rejected: %d\n", summary.Rejected)
	}
	pterm.Info.Printf("Messages marked read: %d\n", summary.MarkedRead)
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
	if pr.logger != nil {
		pr.logger.Debug("progress summary printed", "duration", duration)
	}

	return nil
}
