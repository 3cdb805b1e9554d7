package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/session"
)

var baseTime = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

var ownerColumns = map[string]string{
	"posts":         "author_id",
	"comments":      "author_id",
	"notifications": "user_id",
	"post_likes":    "user_id",
	"comment_likes": "user_id",
	"reports":       "reporter_id",
}

// fakeSource keeps rows per table in the order the backend would return them.
type fakeSource struct {
	mu      sync.Mutex
	tables  map[string][]datasource.Row
	failing map[string]error
	fetches int
	nextID  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{tables: make(map[string][]datasource.Row), failing: make(map[string]error)}
}

func (s *fakeSource) seed(resource string, rows ...datasource.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[resource] = append(s.tables[resource], rows...)
}

// prepend puts rows ahead of the existing ones, as newer records.
func (s *fakeSource) prepend(resource string, rows ...datasource.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[resource] = append(append([]datasource.Row(nil), rows...), s.tables[resource]...)
}

func (s *fakeSource) fail(operation string, resource string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[operation+":"+resource] = err
}

func (s *fakeSource) failure(operation string, resource string) error {
	return s.failing[operation+":"+resource]
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches
}

func (s *fakeSource) row(resource string, id string) datasource.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.tables[resource] {
		if row["id"] == id {
			return copyRow(row)
		}
	}
	return nil
}

func (s *fakeSource) FetchPage(_ context.Context, resource string, filter datasource.Filter, offset int, limit int) ([]datasource.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if err := s.failure("fetch", resource); err != nil {
		return nil, err
	}
	var matched []datasource.Row
	for _, row := range s.tables[resource] {
		if !filter.IsZero() && fmt.Sprint(row[filter.Column]) != filter.Value {
			continue
		}
		matched = append(matched, row)
	}
	if offset >= len(matched) {
		return []datasource.Row{}, nil
	}
	end := min(len(matched), offset+limit)
	page := make([]datasource.Row, 0, end-offset)
	for _, row := range matched[offset:end] {
		page = append(page, copyRow(row))
	}
	return page, nil
}

func (s *fakeSource) Insert(_ context.Context, resource string, payload datasource.Row) (datasource.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("insert", resource); err != nil {
		return nil, err
	}
	row := copyRow(payload)
	if _, ok := row["id"]; !ok {
		s.nextID++
		row["id"] = resource + "-" + strconv.Itoa(s.nextID)
	}
	for _, existing := range s.tables[resource] {
		if existing["id"] == row["id"] {
			return nil, fmt.Errorf("%w: %w: duplicate key", datasource.ErrRejected, datasource.ErrConflict)
		}
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = baseTime.Add(time.Duration(s.nextID) * time.Minute).Format(time.RFC3339)
	}
	if resource == "posts" || resource == "comments" {
		row["profiles"] = map[string]any{"id": row["author_id"], "anon_id": "Owl", "display_name": "Owl", "avatar_color": "#abc"}
	}
	if resource == "comments" {
		s.tables[resource] = append(s.tables[resource], row)
	} else {
		s.tables[resource] = append([]datasource.Row{row}, s.tables[resource]...)
	}
	return copyRow(row), nil
}

func (s *fakeSource) Update(_ context.Context, resource string, id string, patch datasource.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("update", resource); err != nil {
		return err
	}
	if err := s.failure("update", resource+"/"+id); err != nil {
		return err
	}
	for _, row := range s.tables[resource] {
		if row["id"] == id {
			for key, value := range patch {
				row[key] = value
			}
		}
	}
	return nil
}

func (s *fakeSource) Delete(_ context.Context, resource string, id string, ownerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("delete", resource); err != nil {
		return 0, err
	}
	kept := s.tables[resource][:0]
	var deleted int64
	for _, row := range s.tables[resource] {
		if row["id"] == id && fmt.Sprint(row[ownerColumns[resource]]) == ownerID {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	s.tables[resource] = kept
	return deleted, nil
}

func (s *fakeSource) Increment(_ context.Context, resource string, id string, column string, delta int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("increment", resource); err != nil {
		return 0, err
	}
	for _, row := range s.tables[resource] {
		if row["id"] != id {
			continue
		}
		current, _ := row[column].(int)
		row[column] = current + delta
		return int64(current + delta), nil
	}
	return 0, fmt.Errorf("%w: no row %s", datasource.ErrRejected, id)
}

func (s *fakeSource) LikedIDs(_ context.Context, resource string, column string, userID string, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	liked := make(map[string]bool)
	for _, row := range s.tables[resource] {
		id := fmt.Sprint(row[column])
		if row["user_id"] == userID && wanted[id] {
			liked[id] = true
		}
	}
	return liked, nil
}

func copyRow(row datasource.Row) datasource.Row {
	copied := make(datasource.Row, len(row))
	for key, value := range row {
		copied[key] = value
	}
	return copied
}

func postRow(id string, minutesAgo int) datasource.Row {
	return datasource.Row{
		"id":             id,
		"author_id":      "author-1",
		"text":           "post " + id,
		"likes_count":    0,
		"comments_count": 0,
		"reports_count":  0,
		"created_at":     baseTime.Add(-time.Duration(minutesAgo) * time.Minute).Format(time.RFC3339),
		"profiles":       map[string]any{"id": "author-1", "anon_id": "Fox", "display_name": "Fox", "avatar_color": "#f80"},
	}
}

// postRows returns count rows, newest first, named p1..pN.
func postRows(count int) []datasource.Row {
	rows := make([]datasource.Row, 0, count)
	for index := 1; index <= count; index++ {
		rows = append(rows, postRow("p"+strconv.Itoa(index), index))
	}
	return rows
}

type staticProvider struct {
	user     session.User
	signedIn bool
}

func (p staticProvider) CurrentUser(context.Context) (session.User, bool, error) {
	return p.user, p.signedIn, nil
}

func (p staticProvider) OnAuthStateChange(session.Listener) func() {
	return func() {}
}

func signedInSession(t *testing.T, userID string) *session.Context {
	t.Helper()
	sessionContext := session.New(staticProvider{
		user:     session.User{ID: userID, AnonID: "Owl", DisplayName: "Owl", AvatarColor: "#abc", College: "MIT"},
		signedIn: true,
	}, zap.NewNop())
	t.Cleanup(sessionContext.Destroy)
	return sessionContext
}

// quietConfig disables every timer so tests drive the feed explicitly.
func quietConfig() Config {
	return Config{PageSize: 20, PollBatch: 5}
}

type feedHarness struct {
	source  *fakeSource
	hub     *realtime.Hub
	manager *realtime.Manager
	deps    Dependencies
}

func newHarness(t *testing.T) *feedHarness {
	t.Helper()
	source := newFakeSource()
	hub := realtime.NewHub()
	manager := realtime.NewManager(hub, realtime.WithReconnectBackoff(10*time.Millisecond))
	t.Cleanup(manager.Close)
	return &feedHarness{
		source:  source,
		hub:     hub,
		manager: manager,
		deps:    Dependencies{Source: source, Subscriptions: manager, Logger: zap.NewNop()},
	}
}

func newTestPostFeed(t *testing.T, harness *feedHarness, options PostFeedOptions) *PostFeed {
	t.Helper()
	options.Dependencies = harness.deps
	if options.Session == nil {
		options.Session = signedInSession(t, "user-1")
	}
	if options.Config == (Config{}) {
		options.Config = quietConfig()
	}
	postFeed, err := NewPostFeed(options)
	require.NoError(t, err)
	t.Cleanup(func() { _ = postFeed.Close() })
	return postFeed
}

func waitLoaded(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("first page did not load")
	}
}

func ids[T interface{ RecordID() string }](items []T) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.RecordID())
	}
	return out
}

func requireUnique(t *testing.T, values []string) {
	t.Helper()
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		require.False(t, seen[value], "duplicate id %s in %s", value, strings.Join(values, ","))
		seen[value] = true
	}
}
