// Package feed defines the inbound event shape shared by the transport and
// the polling loop.
package feed

import (
	"sort"
	"time"
)

// Event is one received message. Sequence ids are strictly increasing across
// the feed; the other fields are independently optional.
type Event struct {
	Sequence       int64
	ConversationID *int64
	MessageID      *int64
	Text           *string
	ArrivedAt      time.Time
}

// HasText reports whether the event carries non-empty text.
func (e Event) HasText() bool {
	return e.Text != nil && *e.Text != ""
}

// Replyable reports whether a reply can be addressed to the event.
func (e Event) Replyable() bool {
	return e.ConversationID != nil && e.MessageID != nil
}

// MaxSequence returns the highest sequence id in events and false when
// events is empty.
func MaxSequence(events []Event) (int64, bool) {
	if len(events) == 0 {
		return 0, false
	}
	top := events[0].Sequence
	for _, e := range events[1:] {
		if e.Sequence > top {
			top = e.Sequence
		}
	}
	return top, true
}

// SortBySequence orders events by ascending sequence id in place.
func SortBySequence(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Sequence < events[j].Sequence
	})
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to s.
func String(s string) *string {
	return &s
}
