// Package segment holds the per-utterance record and the store that
// correlates cloud transcription items, cloud responses and local recognizer
// text into segments.
package segment

import "time"

// Origin says where a segment's display source text came from.
type Origin string

const (
	OriginCloud Origin = "cloud"
	OriginLocal Origin = "local"
)

const (
	placeholderFailed      = "[translation unavailable] "
	placeholderInterrupted = "[translation interrupted] "
	messageCancelled       = "cancelled"
)

// Segment is one spoken utterance and its translation. Values handed out by
// the Store are snapshots; mutating them has no effect on the Store.
type Segment struct {
	ID     string // display id, "seg-N"
	ItemID string // cloud item id, primary key

	SourceText string // display text in the source language
	CloudText  string // cloud transcript, kept even when SourceText is local
	Origin     Origin
	TargetText string

	Status      Status
	ResponseID  string
	CreatedAt   time.Time
	CompletedAt time.Time // zero until terminal
	Error       string    // set only in StatusError
}

// Terminal reports whether the segment's status can no longer change.
func (s Segment) Terminal() bool { return s.Status.Terminal() }
