package realtime

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/lastbench/feedsync/internal/normalize"
)

// Phoenix channel events used by the realtime protocol.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventError           = "phx_error"
	EventClose           = "phx_close"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"

	// HeartbeatTopic carries connection-level heartbeats.
	HeartbeatTopic = "phoenix"

	defaultSchema = "public"
)

// Frame is a single Phoenix protocol message.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// JoinConfig lists the change filters of a join.
type JoinConfig struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

// ChangeFilter selects change events for one event type.
type ChangeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// ReplyPayload answers a join or heartbeat.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ChangeEnvelope wraps change data in a postgres_changes frame.
type ChangeEnvelope struct {
	Data ChangeData `json:"data"`
	IDs  []int64    `json:"ids,omitempty"`
}

// ChangeData is one committed row change.
type ChangeData struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Record          map[string]any `json:"record,omitempty"`
	OldRecord       map[string]any `json:"old_record,omitempty"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// NewJoinPayload builds the join request for topic.
func NewJoinPayload(topic Topic, kinds []string, accessToken string) JoinPayload {
	if len(kinds) == 0 {
		kinds = []string{"*"}
	}
	filters := make([]ChangeFilter, 0, len(kinds))
	for _, kind := range kinds {
		filters = append(filters, ChangeFilter{
			Event:  normalizeKind(kind),
			Schema: defaultSchema,
			Table:  topic.Table,
			Filter: topic.Filter,
		})
	}
	return JoinPayload{Config: JoinConfig{PostgresChanges: filters}, AccessToken: accessToken}
}

// TopicFromJoin recovers the subscribed topic and kinds from a join payload.
func TopicFromJoin(payload JoinPayload) (Topic, []string, bool) {
	if len(payload.Config.PostgresChanges) == 0 {
		return Topic{}, nil, false
	}
	first := payload.Config.PostgresChanges[0]
	topic := Topic{Table: first.Table, Filter: first.Filter}
	kinds := make([]string, 0, len(payload.Config.PostgresChanges))
	for _, filter := range payload.Config.PostgresChanges {
		if filter.Event == "*" {
			return topic, nil, topic.validate() == nil
		}
		kinds = append(kinds, filter.Event)
	}
	return topic, kinds, topic.validate() == nil
}

// NewChangeData renders change for the wire.
func NewChangeData(change normalize.RawChange) ChangeData {
	commit := change.CommitTime
	if commit.IsZero() {
		commit = time.Now().UTC()
	}
	return ChangeData{
		Type:            normalizeKind(change.Kind),
		Schema:          defaultSchema,
		Table:           change.Table,
		Record:          change.New,
		OldRecord:       change.Old,
		CommitTimestamp: commit.UTC().Format(time.RFC3339Nano),
	}
}

// RawChange converts wire data back into a RawChange.
func (d ChangeData) RawChange() normalize.RawChange {
	commit, _ := time.Parse(time.RFC3339Nano, d.CommitTimestamp)
	return normalize.RawChange{
		Table:      d.Table,
		Kind:       d.Type,
		New:        d.Record,
		Old:        d.OldRecord,
		CommitTime: commit,
	}
}

// EncodeFrame builds a frame with a JSON payload.
func EncodeFrame(topic string, event string, ref string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Topic: topic, Event: event, Payload: raw, Ref: ref}, nil
}

func normalizeKind(kind string) string {
	return strings.ToUpper(strings.TrimSpace(kind))
}

func kindSet(kinds []string) map[string]struct{} {
	set := make(map[string]struct{}, len(kinds))
	for _, kind := range kinds {
		normalized := normalizeKind(kind)
		if normalized == "*" {
			return nil
		}
		set[normalized] = struct{}{}
	}
	return set
}
