// Package realtime manages change-feed subscriptions and the transports that carry them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lastbench/feedsync/internal/normalize"
)

const topicPrefix = "realtime"

var (
	// ErrInvalidTopic indicates a topic without a table.
	ErrInvalidTopic = errors.New("realtime: invalid topic")
	// ErrManagerClosed indicates a subscription attempt after Close.
	ErrManagerClosed = errors.New("realtime: manager closed")
	// ErrChannelFailed indicates the channel reported an error or timed out.
	ErrChannelFailed = errors.New("realtime: channel failed")
)

// Topic identifies a change feed: a table plus an optional row filter of the
// form "column=eq.value".
type Topic struct {
	Table  string
	Filter string
}

// Name returns the channel name, e.g. "realtime:notifications:user_id=eq.u1".
func (t Topic) Name() string {
	if t.Filter == "" {
		return topicPrefix + ":" + t.Table
	}
	return topicPrefix + ":" + t.Table + ":" + t.Filter
}

func (t Topic) validate() error {
	if strings.TrimSpace(t.Table) == "" {
		return fmt.Errorf("%w: empty table", ErrInvalidTopic)
	}
	if t.Filter != "" {
		if _, _, ok := ParseFilter(t.Filter); !ok {
			return fmt.Errorf("%w: unsupported filter %q", ErrInvalidTopic, t.Filter)
		}
	}
	return nil
}

// ParseFilter splits an equality filter into its column and value.
func ParseFilter(filter string) (string, string, bool) {
	column, rest, found := strings.Cut(filter, "=")
	if !found || column == "" {
		return "", "", false
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return "", "", false
	}
	return column, value, true
}

// Matches reports whether change belongs to the topic.
func (t Topic) Matches(change normalize.RawChange) bool {
	if change.Table != t.Table {
		return false
	}
	if t.Filter == "" {
		return true
	}
	column, value, ok := ParseFilter(t.Filter)
	if !ok {
		return false
	}
	row := change.New
	if len(row) == 0 {
		row = change.Old
	}
	raw, present := row[column]
	return present && fmt.Sprint(raw) == value
}

// State is the lifecycle position of a subscription.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a channel lifecycle notification from a transport.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Message is either a status transition or a change payload.
type Message struct {
	Status Status
	Change *normalize.RawChange
	Err    error
}

// Channel is one live joined topic.
type Channel interface {
	Messages() <-chan Message
	Close() error
}

// Transport opens channels. Kinds lists the event types of interest
// ("INSERT", "UPDATE", "DELETE"); an empty list means all.
type Transport interface {
	Open(ctx context.Context, topic Topic, kinds []string) (Channel, error)
}
