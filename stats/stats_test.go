package stats

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeStream struct {
	wg     sync.WaitGroup
	events chan Event
}

func (s *fakeStream) SubscribeStats(name string, fn func(context.Context, <-chan Event) error) {
	s.events = make(chan Event, 16)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = fn(context.Background(), s.events)
	}()
}

func TestCollector_Apply(t *testing.T) {
	boom := errors.New("boom")
	c := NewCollector()
	for _, evt := range []Event{
		{Type: EventTypeListed, Count: 3},
		{Type: EventTypeScanned},
		{Type: EventTypeScanned},
		{Type: EventTypeAlreadyRead},
		{Type: EventTypeOtherItem},
		{Type: EventTypeExtracted},
		{Type: EventTypeExtracted},
		{Type: EventTypeSkipped},
		{Type: EventTypeRemoved},
		{Type: EventTypeMarkedRead},
		{Type: EventTypeError, Err: boom},
	} {
		c.Apply(evt)
	}

	got := c.Snapshot()
	want := Summary{Listed: 3, Scanned: 2, AlreadyRead: 1, OtherItems: 1, Extracted: 2, Skipped: 1, Removed: 1, MarkedRead: 1, Errors: 1, LastError: boom}
	if got != want {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestReporter_Summary(t *testing.T) {
	stream := &fakeStream{}
	reporter := NewReporter(stream, nil)

	stream.events <- Event{Type: EventTypeListed, Count: 1}
	stream.events <- Event{Type: EventTypeSaved}
	close(stream.events)
	stream.wg.Wait()

	summary := reporter.Summary()
	if summary.Listed != 1 || summary.Saved != 1 {
		t.Errorf("Summary() = %+v", summary)
	}
}

func TestSummary_LogAttrs(t *testing.T) {
	attrs := Summary{LastError: errors.New("x")}.LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs() has odd length %d", len(attrs))
	}
	if attrs[len(attrs)-2] != "lastError" || attrs[len(attrs)-1] != "x" {
		t.Errorf("LogAttrs() tail = %v", attrs[len(attrs)-2:])
	}
}
