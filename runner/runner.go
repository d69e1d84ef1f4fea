package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/folder-unzip/extract"
	"github.com/dhcgn/folder-unzip/folder"
	"github.com/dhcgn/folder-unzip/model"
	"github.com/dhcgn/folder-unzip/stats"
)

var ErrNoExtractor = errors.New("runner has no extractor")

// Store is the mail store session a run works against.
type Store interface {
	folder.Tree
	ListItems(ctx context.Context, h model.FolderHandle) ([]model.Item, error)
	FetchAttachments(ctx context.Context, msg model.Message) ([]model.Attachment, error)
	MarkRead(ctx context.Context, msg model.Message) error
}

type Extractor interface {
	Extract(ctx context.Context, att model.Attachment, report func(extract.Record)) error
}

type Options struct {
	Path model.FolderPath
	Root folder.Root
}

type subscriber struct {
	name   string
	events chan stats.Event
}

// Runner performs one sweep: resolve the folder, list it, and for every
// unread message extract its attachments and mark it read. Processing is
// strictly sequential; only stats subscribers run on their own goroutines.
type Runner struct {
	opts      Options
	store     Store
	extractor Extractor
	resolver  *folder.Resolver
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	statsCtx    context.Context
	statsCancel context.CancelFunc
	subscribers []subscriber
	statsWG     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

// New prepares a run. extractor may be nil for a runner that only serves
// Inspect.
func New(ctx context.Context, opts Options, store Store, extractor Extractor, logger *slog.Logger) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, cancel := context.WithCancel(ctx)
	statsCtx, statsCancel := context.WithCancel(context.WithoutCancel(ctx))

	return &Runner{
		opts:        opts,
		store:       store,
		extractor:   extractor,
		resolver:    folder.NewResolver(store, logger),
		logger:      logger,
		ctx:         runCtx,
		cancel:      cancel,
		statsCtx:    statsCtx,
		statsCancel: statsCancel,
	}, nil
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

// EmitEvent fans evt out to every subscriber.
func (r *Runner) EmitEvent(evt stats.Event) {
	for _, sub := range r.subscribers {
		select {
		case <-r.statsCtx.Done():
			return
		case sub.events <- evt:
		}
	}
}

// SubscribeStats registers a consumer of the event stream. Subscribers must
// be registered before Start. A subscriber error fails the run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	sub := subscriber{name: name, events: make(chan stats.Event, 128)}
	r.subscribers = append(r.subscribers, sub)
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		defer drain(sub.events)
		if err := fn(r.statsCtx, sub.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// A subscriber that returned early must not block EmitEvent.
func drain(events <-chan stats.Event) {
	for range events {
	}
}

// Start runs the sweep and waits for the subscribers to finish. It returns
// the first error of the run.
func (r *Runner) Start() error {
	r.since = time.Now()

	if err := r.poll(r.ctx); err != nil {
		r.EmitEvent(stats.Event{Type: stats.EventTypeError, Err: err})
		r.fail(err)
	}

	r.closeEvents()
	r.statsWG.Wait()
	r.statsCancel()
	r.cancel()

	err := r.firstErr()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) poll(ctx context.Context) error {
	if r.extractor == nil {
		return ErrNoExtractor
	}

	handle, err := r.resolver.Resolve(ctx, r.opts.Path, r.opts.Root)
	if err != nil {
		return err
	}
	r.logger.Info("folder resolved", "path", r.opts.Path.String(), "root", r.opts.Root.String(), "mailbox", handle.Name)

	items, err := r.store.ListItems(ctx, handle)
	if err != nil {
		return fmt.Errorf("list %s: %w", r.opts.Path, err)
	}
	r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, Count: len(items)})

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch it := item.(type) {
		case model.MailItem:
			if err := r.process(ctx, it.Message); err != nil {
				return err
			}
		case model.OtherItem:
			r.logger.Debug("skipping non-mail item", "id", it.ID, "kind", it.Kind)
			r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeOtherItem, MessageID: it.ID, Detail: it.Kind})
		}
	}

	return nil
}

func (r *Runner) process(ctx context.Context, msg model.Message) error {
	r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeScanned, MessageID: msg.ID, Subject: msg.Subject})
	r.logger.Info("message", "subject", msg.Subject, "received", msg.ReceivedAt, "read", msg.Read)

	if msg.Read {
		r.EmitEvent(stats.Event{Stage: stats.StageList, Type: stats.EventTypeAlreadyRead, MessageID: msg.ID, Subject: msg.Subject})
		return nil
	}

	attachments, err := r.store.FetchAttachments(ctx, msg)
	if err != nil {
		return fmt.Errorf("message %s: fetch attachments: %w", msg.ID, err)
	}

	report := func(rec extract.Record) {
		r.EmitEvent(stats.Event{
			Stage:      stats.StageExtract,
			Type:       eventType(rec.Action),
			MessageID:  msg.ID,
			Subject:    msg.Subject,
			Attachment: rec.Attachment,
			Entry:      rec.Entry,
			Path:       rec.Path,
			Modified:   rec.Modified,
		})
		r.logger.Debug("file action", "action", rec.Action, "attachment", rec.Attachment, "entry", rec.Entry, "path", rec.Path)
	}

	for _, att := range attachments {
		if err := r.extractor.Extract(ctx, att, report); err != nil {
			return fmt.Errorf("message %s: %w", msg.ID, err)
		}
	}

	if err := r.store.MarkRead(ctx, msg); err != nil {
		return fmt.Errorf("message %s: mark read: %w", msg.ID, err)
	}
	r.EmitEvent(stats.Event{Stage: stats.StageUpdate, Type: stats.EventTypeMarkedRead, MessageID: msg.ID, Subject: msg.Subject})
	r.logger.Debug("message marked read", "id", msg.ID, "attachments", len(attachments))

	return nil
}

func eventType(a extract.Action) stats.EventType {
	switch a {
	case extract.ActionSaved:
		return stats.EventTypeSaved
	case extract.ActionExtracted:
		return stats.EventTypeExtracted
	case extract.ActionSkipped:
		return stats.EventTypeSkipped
	case extract.ActionRejected:
		return stats.EventTypeRejected
	case extract.ActionRemoved:
		return stats.EventTypeRemoved
	}
	return stats.EventType(a)
}

// Listing is one message of an inspection: the message and, if unread, the
// names of its attachments.
type Listing struct {
	Message     model.Message
	Attachments []string
}

// Inspect resolves and lists the folder like Start but downloads nothing
// and changes no read state.
func (r *Runner) Inspect() ([]Listing, error) {
	defer r.cancel()
	ctx := r.ctx

	handle, err := r.resolver.Resolve(ctx, r.opts.Path, r.opts.Root)
	if err != nil {
		return nil, err
	}
	items, err := r.store.ListItems(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", r.opts.Path, err)
	}

	var listings []Listing
	for _, item := range items {
		mail, ok := item.(model.MailItem)
		if !ok {
			continue
		}
		l := Listing{Message: mail.Message}
		if !mail.Message.Read {
			attachments, err := r.store.FetchAttachments(ctx, mail.Message)
			if err != nil {
				return nil, fmt.Errorf("message %s: fetch attachments: %w", mail.Message.ID, err)
			}
			for _, att := range attachments {
				l.Attachments = append(l.Attachments, att.Name())
			}
		}
		listings = append(listings, l)
	}
	return listings, nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	})
}

func (r *Runner) firstErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
