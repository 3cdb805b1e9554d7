// Package feed keeps paginated, realtime-reconciled record lists for the
// home feed, comment threads and notifications.
package feed

import (
	"errors"
	"time"
)

const (
	DefaultPageSize        = 20
	DefaultPollInterval    = 5 * time.Second
	DefaultPollBatch       = 5
	DefaultDebounce        = 150 * time.Millisecond
	DefaultBackfillDelay   = 500 * time.Millisecond
	DefaultAutoRefresh     = 20 * time.Second
	DefaultReportThreshold = 10
	defaultNoticeBuffer    = 16
)

var (
	ErrClosed           = errors.New("feed: closed")
	ErrNotFound         = errors.New("feed: record not in list")
	ErrTemporaryRecord  = errors.New("feed: record is not confirmed yet")
	ErrSignedOut        = errors.New("feed: no signed-in user")
	ErrMutationPending  = errors.New("feed: another change to this record is in flight")
	ErrEmptyDraft       = errors.New("feed: draft has no content")
	ErrNotOwner         = errors.New("feed: record not owned by user")
	ErrMissingSource    = errors.New("feed: data source is required")
	ErrMissingSession   = errors.New("feed: session context is required")
	ErrInvalidRecordRef = errors.New("feed: invalid record reference")
)

// Config tunes pagination and the timers of a feed.
type Config struct {
	PageSize        int
	PollInterval    time.Duration
	PollBatch       int
	Debounce        time.Duration
	BackfillDelay   time.Duration
	AutoRefresh     time.Duration
	ReportThreshold int
	NoticeBuffer    int
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		PageSize:        DefaultPageSize,
		PollInterval:    DefaultPollInterval,
		PollBatch:       DefaultPollBatch,
		Debounce:        DefaultDebounce,
		BackfillDelay:   DefaultBackfillDelay,
		AutoRefresh:     DefaultAutoRefresh,
		ReportThreshold: DefaultReportThreshold,
		NoticeBuffer:    defaultNoticeBuffer,
	}
}

// withDefaults fills zero sizes. Zero durations stay zero and disable the timer,
// except Debounce where zero means synchronous delivery.
func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PollBatch <= 0 {
		c.PollBatch = DefaultPollBatch
	}
	if c.ReportThreshold <= 0 {
		c.ReportThreshold = DefaultReportThreshold
	}
	if c.NoticeBuffer <= 0 {
		c.NoticeBuffer = defaultNoticeBuffer
	}
	return c
}

// PageCursor is the next offset window to fetch.
type PageCursor struct {
	Index int
	Size  int
}

// Offset returns the row offset of the window.
func (c PageCursor) Offset() int {
	return c.Index * c.Size
}

// NoticeKind classifies a user-visible failure.
type NoticeKind string

const (
	NoticeCreateFailed   NoticeKind = "create_failed"
	NoticeLikeFailed     NoticeKind = "like_failed"
	NoticeUpdateFailed   NoticeKind = "update_failed"
	NoticeDeleteFailed   NoticeKind = "delete_failed"
	NoticeReportFailed   NoticeKind = "report_failed"
	NoticeMarkReadFailed NoticeKind = "mark_read_failed"
	NoticeRemoved        NoticeKind = "removed"
)

// Notice is a recoverable failure to surface to the user. Every optimistic
// rollback produces one.
type Notice struct {
	Kind     NoticeKind
	RecordID string
	Message  string
	Err      error
}
