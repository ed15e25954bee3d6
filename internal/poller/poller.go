// Package poller runs the fetch, process, advance loop over the update feed.
//
// Each tick issues one fetch for events after the cursor, scores every event
// in ascending sequence order, dispatches a corrected reply for each layout
// mismatch, and only then advances the cursor to the batch maximum. A tick
// that fails to fetch leaves the cursor where it was, so the next tick asks
// for the same events again.
package poller

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"layoutfixd/internal/detector"
	"layoutfixd/internal/dictionary"
	"layoutfixd/internal/feed"
	"layoutfixd/internal/logging"
	"layoutfixd/internal/metrics"
	"layoutfixd/internal/store"
)

// DefaultInterval is the pause between ticks.
const DefaultInterval = time.Second

// Fetcher returns every event with a sequence id greater than after.
type Fetcher interface {
	Fetch(ctx context.Context, after int64) ([]feed.Event, error)
}

// Dispatcher posts a reply to a message.
type Dispatcher interface {
	SendReply(ctx context.Context, conversationID, replyToMessageID int64, text string) error
}

// State is the loop's cursor: the highest fully processed sequence id.
type State struct {
	Cursor int64
}

// TickReport summarizes one tick.
type TickReport struct {
	ID           string
	Fetched      int
	Scored       int
	Exempt       int
	Mismatches   int
	Sent         int
	Failed       int
	Duplicates   int
	CursorBefore int64
	CursorAfter  int64
}

// Poller owns the detection pipeline and drives ticks against a State.
type Poller struct {
	fetcher    Fetcher
	dispatcher Dispatcher
	detector   *detector.Detector
	threshold  float64
	store      store.Store
	logger     *logging.Logger
	metrics    *metrics.BotMetrics
	crash      *logging.CrashHandler
	interval   atomic.Int64
	now        func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithThreshold sets the ratio a score must exceed to trigger a reply.
func WithThreshold(t float64) Option {
	return func(p *Poller) { p.threshold = t }
}

// WithInterval sets the pause between ticks.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.SetInterval(d) }
}

// WithStore mirrors the cursor to s and keeps a reply ledger in it.
func WithStore(s store.Store) Option {
	return func(p *Poller) { p.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.BotMetrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithCrashHandler makes Run survive panics. A panicking event is skipped
// and the cursor moves past it; a panic elsewhere in a tick fails the tick
// and leaves the cursor unchanged.
func WithCrashHandler(h *logging.CrashHandler) Option {
	return func(p *Poller) { p.crash = h }
}

// New creates a Poller.
func New(f Fetcher, d Dispatcher, det *detector.Detector, opts ...Option) *Poller {
	p := &Poller{
		fetcher:    f,
		dispatcher: d,
		detector:   det,
		threshold:  detector.DefaultThreshold,
		now:        time.Now,
	}
	p.SetInterval(DefaultInterval)
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Default().WithComponent("poller")
	}
	if p.metrics == nil {
		p.metrics = metrics.NewBotMetrics(metrics.NewRegistry("layoutfixd", ""))
	}
	return p
}

// SetInterval changes the pause between ticks. It is safe to call while
// Run is active; the new value applies from the next sleep.
func (p *Poller) SetInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.interval.Store(int64(d))
}

// Interval returns the pause between ticks.
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// Metrics returns the metrics the poller records into.
func (p *Poller) Metrics() *metrics.BotMetrics {
	return p.metrics
}

// Restore builds the starting State: the larger of the stored cursor and
// initial. Without a store it is initial.
func (p *Poller) Restore(ctx context.Context, initial int64) (State, error) {
	st := State{Cursor: initial}
	if p.store == nil {
		return st, nil
	}
	stored, err := p.store.LoadCursor(ctx)
	if err != nil {
		return st, fmt.Errorf("load cursor: %w", err)
	}
	if stored > st.Cursor {
		st.Cursor = stored
	}
	p.metrics.SetCursor(st.Cursor)
	return st, nil
}

// Tick performs one fetch and processes the batch. On a fetch error the
// cursor is unchanged and the error is returned; per-event failures never
// fail the tick.
func (p *Poller) Tick(ctx context.Context, st *State) (TickReport, error) {
	report := TickReport{
		ID:           uuid.NewString(),
		CursorBefore: st.Cursor,
		CursorAfter:  st.Cursor,
	}
	ctx = logging.ContextWithRequestID(ctx, report.ID)
	log := p.logger.WithContext(ctx)

	timer := p.metrics.StartTickTimer()
	defer timer.Stop()

	events, err := p.fetcher.Fetch(ctx, st.Cursor)
	p.metrics.RecordFetch(p.now(), err)
	if err != nil {
		return report, fmt.Errorf("fetch after %d: %w", st.Cursor, err)
	}
	report.Fetched = len(events)

	batch := make([]feed.Event, len(events))
	copy(batch, events)
	feed.SortBySequence(batch)

	for _, ev := range batch {
		if ev.Sequence <= st.Cursor {
			log.Debug("skipping already processed event", "update_id", ev.Sequence, "cursor", st.Cursor)
			continue
		}
		p.processSafely(ctx, log, ev, &report)
	}

	if top, ok := feed.MaxSequence(batch); ok && top > st.Cursor {
		st.Cursor = top
		p.metrics.SetCursor(top)
		if p.store != nil {
			if err := p.store.SaveCursor(ctx, top); err != nil {
				log.Warn("persist cursor failed", "cursor", top, "error", err)
			}
		}
	}
	report.CursorAfter = st.Cursor

	if report.Fetched > 0 {
		log.Debug("tick done",
			"fetched", report.Fetched,
			"mismatches", report.Mismatches,
			"sent", report.Sent,
			"cursor", report.CursorAfter,
		)
	}
	return report, nil
}

// processSafely runs process under the crash handler when one is set. A
// panicking event counts as failed and the batch goes on, so one bad event
// cannot hold the cursor back.
func (p *Poller) processSafely(ctx context.Context, log *logging.Logger, ev feed.Event, report *TickReport) {
	if p.crash == nil {
		p.process(ctx, log, ev, report)
		return
	}
	if r := p.crash.Recover(map[string]any{"update_id": ev.Sequence}, func() {
		p.process(ctx, log, ev, report)
	}); r != nil {
		report.Failed++
		log.Error("event processing panicked, skipping", "update_id", ev.Sequence, "panic", r)
	}
}

func (p *Poller) process(ctx context.Context, log *logging.Logger, ev feed.Event, report *TickReport) {
	p.metrics.RecordEvent()

	chatID := int64(-1)
	if ev.ConversationID != nil {
		chatID = *ev.ConversationID
	}
	text := "NONE"
	if ev.Text != nil {
		text = *ev.Text
	}
	log.Info("update", "update_id", ev.Sequence, "chat_id", chatID, "text", text)

	if !ev.HasText() {
		return
	}

	lowered := dictionary.Lower(*ev.Text)
	score := p.detector.Score(lowered)
	report.Scored++

	mismatch := score.Exceeds(p.threshold)
	ratio, _ := score.Value()
	p.metrics.RecordScore(ratio, score.IsExempt(), mismatch)
	log.Info("scored", "update_id", ev.Sequence, "ratio", score.String())

	if score.IsExempt() {
		report.Exempt++
		return
	}
	if !mismatch {
		return
	}
	report.Mismatches++
	if !ev.Replyable() {
		log.Debug("mismatch without reply target", "update_id", ev.Sequence)
		return
	}

	if p.store != nil {
		done, err := p.store.HasReplied(ctx, ev.Sequence)
		if err != nil {
			log.Warn("reply ledger lookup failed", "update_id", ev.Sequence, "error", err)
		} else if done {
			report.Duplicates++
			p.metrics.RecordDuplicate()
			log.Info("already replied", "update_id", ev.Sequence)
			return
		}
	}

	corrected := p.detector.Correct(lowered)
	if err := p.dispatcher.SendReply(ctx, *ev.ConversationID, *ev.MessageID, corrected); err != nil {
		report.Failed++
		p.metrics.RecordReply(false)
		log.Warn("reply failed", "update_id", ev.Sequence, "chat_id", chatID, "error", err)
		return
	}
	report.Sent++
	p.metrics.RecordReply(true)
	log.Info("replied", "update_id", ev.Sequence, "chat_id", chatID, "reply", corrected)

	if p.store != nil {
		err := p.store.MarkReplied(ctx, store.Reply{
			Sequence:       ev.Sequence,
			ConversationID: *ev.ConversationID,
			MessageID:      *ev.MessageID,
			Text:           corrected,
			SentAt:         p.now(),
		})
		if err != nil {
			log.Warn("record reply failed", "update_id", ev.Sequence, "error", err)
		}
	}
}

// Run ticks, sleeps for the interval and repeats until ctx is cancelled.
// Tick errors are logged and never end the loop. It returns nil on
// cancellation.
func (p *Poller) Run(ctx context.Context, st *State) error {
	p.logger.Info("poller started", "cursor", st.Cursor, "interval", p.Interval())
	defer func() {
		p.logger.Info("poller stopped", "cursor", st.Cursor)
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := p.safeTick(ctx, st); err != nil && ctx.Err() == nil {
			p.logger.Warn("tick failed", "cursor", st.Cursor, "error", err)
		}

		timer := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (p *Poller) safeTick(ctx context.Context, st *State) error {
	if p.crash == nil {
		_, err := p.Tick(ctx, st)
		return err
	}
	var err error
	before := st.Cursor
	if r := p.crash.Recover(map[string]any{"cursor": before}, func() {
		_, err = p.Tick(ctx, st)
	}); r != nil {
		st.Cursor = before
		return fmt.Errorf("tick panicked: %v", r)
	}
	return err
}
