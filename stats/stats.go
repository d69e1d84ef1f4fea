package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageResolve Stage = "resolve"
	StageList    Stage = "list"
	StageExtract Stage = "extract"
	StageUpdate  Stage = "update"
)

type EventType string

const (
	EventTypeListed      EventType = "listed"
	EventTypeScanned     EventType = "scanned"
	EventTypeAlreadyRead EventType = "already_read"
	EventTypeOtherItem   EventType = "other_item"
	EventTypeSaved       EventType = "saved"
	EventTypeExtracted   EventType = "extracted"
	EventTypeSkipped     EventType = "skipped"
	EventTypeRejected    EventType = "rejected"
	EventTypeRemoved     EventType = "removed"
	EventTypeMarkedRead  EventType = "marked_read"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage      Stage
	Type       EventType
	MessageID  string
	Subject    string
	Attachment string
	Entry      string
	Path       string
	Modified   time.Time
	Count      int
	Err        error
	Detail     string
}

type Summary struct {
	Listed      int
	Scanned     int
	AlreadyRead int
	OtherItems  int
	Saved       int
	Extracted   int
	Skipped     int
	Rejected    int
	Removed     int
	MarkedRead  int
	Errors      int
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"listed", s.Listed,
		"scanned", s.Scanned,
		"alreadyRead", s.AlreadyRead,
		"otherItems", s.OtherItems,
		"saved", s.Saved,
		"extracted", s.Extracted,
		"skipped", s.Skipped,
		"rejected", s.Rejected,
		"archivesRemoved", s.Removed,
		"markedRead", s.MarkedRead,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeListed:
		c.summary.Listed += evt.Count
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeAlreadyRead:
		c.summary.AlreadyRead++
	case EventTypeOtherItem:
		c.summary.OtherItems++
	case EventTypeSaved:
		c.summary.Saved++
	case EventTypeExtracted:
		c.summary.Extracted++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeRejected:
		c.summary.Rejected++
	case EventTypeRemoved:
		c.summary.Removed++
	case EventTypeMarkedRead:
		c.summary.MarkedRead++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Printf("%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
