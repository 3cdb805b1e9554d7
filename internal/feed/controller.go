package feed

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lastbench/feedsync/internal/cache"
	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/realtime"
	"github.com/lastbench/feedsync/internal/reconcile"
	"github.com/lastbench/feedsync/internal/records"
)

const firstPageKey = "first"

// Resource describes the table behind a Controller and how its rows become records.
type Resource[T records.Record[T]] struct {
	Table     string
	Filter    datasource.Filter
	Decode    normalize.Decoder[T]
	Placement reconcile.Placement
	// Snapshot, when set, is shown on cold start and rewritten as the list changes.
	Snapshot *cache.Snapshot[T]
	// Poll enables the newest-records fallback check.
	Poll bool
	// Detached lists are not subscribed to realtime changes; they change only
	// through fetches and local mutations.
	Detached bool
	// CompleteInserts refetches inserted rows that arrive without joined author data.
	CompleteInserts bool
	// Hydrate adjusts fetched records before they enter the list.
	Hydrate func(ctx context.Context, items []T) []T
	// Settle folds a confirmed record into the placeholder it replaces.
	Settle func(list []T, item T) ([]T, bool)
}

// Dependencies are the collaborators shared by every feed.
type Dependencies struct {
	Source        datasource.Source
	Subscriptions *realtime.Manager
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Controller owns one ordered record list. All list mutations are serialized
// behind mu; network calls happen outside it and state is re-read afterwards.
type Controller[T records.Record[T]] struct {
	resource Resource[T]
	source   datasource.Source
	manager  *realtime.Manager
	clock    clock.Clock
	logger   *zap.Logger
	config   Config

	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	first    singleflight.Group
	changes  *reconcile.Coalescer[normalize.RawChange]
	persist  *reconcile.Debouncer[[]T]
	notifyMu sync.Mutex

	mu           sync.Mutex
	list         []T
	cursor       PageCursor
	hasMore      bool
	loadingNext  bool
	epoch        uint64
	newestID     string
	handle       *realtime.Handle
	backfill     *clock.Timer
	started      bool
	closed       bool
	listeners    map[int]func([]T)
	nextListener int
	notices      chan Notice
	saveErr      error
}

func newController[T records.Record[T]](resource Resource[T], deps Dependencies, config Config) *Controller[T] {
	config = config.withDefaults()
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	lifetime, cancel := context.WithCancel(context.Background())
	controller := &Controller[T]{
		resource:  resource,
		source:    deps.Source,
		manager:   deps.Subscriptions,
		clock:     clk,
		logger:    logger.With(zap.String("table", resource.Table)),
		config:    config,
		lifetime:  lifetime,
		cancel:    cancel,
		cursor:    PageCursor{Index: 0, Size: config.PageSize},
		hasMore:   true,
		listeners: make(map[int]func([]T)),
		notices:   make(chan Notice, config.NoticeBuffer),
	}
	controller.changes = reconcile.NewCoalescer(clk, config.Debounce, controller.handleChanges)
	controller.persist = reconcile.NewDebouncer(clk, config.Debounce, controller.saveSnapshot)
	return controller
}

// Items returns a copy of the current list.
func (c *Controller[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.list...)
}

// HasMore reports whether another page may exist upstream.
func (c *Controller[T]) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// Cursor returns the next page window.
func (c *Controller[T]) Cursor() PageCursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// Notices delivers recoverable failures. The channel closes on Close.
func (c *Controller[T]) Notices() <-chan Notice {
	return c.notices
}

// OnChange registers fn to receive a copy of the list after every change.
// fn must not call back into the feed.
func (c *Controller[T]) OnChange(fn func([]T)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// LoadFirstPage returns the cached snapshot, if any, and starts the
// authoritative first-page fetch. The channel yields the fetch outcome.
func (c *Controller[T]) LoadFirstPage(ctx context.Context) ([]T, <-chan error) {
	done := make(chan error, 1)
	cached := c.restoreSnapshot(ctx)
	started := c.goTracked(func() {
		fetchCtx, stop := c.bind(ctx)
		defer stop()
		err := c.fetchFirst(fetchCtx)
		if err == nil {
			c.scheduleBackfill()
		}
		done <- err
	})
	if !started {
		done <- ErrClosed
	}
	return cached, done
}

// LoadNextPage appends the next page. It does nothing while another next-page
// fetch is in flight or once the end of data has been seen.
func (c *Controller[T]) LoadNextPage(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	if c.loadingNext || !c.hasMore {
		c.mu.Unlock()
		return 0, nil
	}
	c.loadingNext = true
	cursor := c.cursor
	epoch := c.epoch
	c.mu.Unlock()

	fetchCtx, stop := c.bind(ctx)
	defer stop()
	items, rowCount, err := c.fetch(fetchCtx, cursor.Offset(), cursor.Size)

	c.mu.Lock()
	c.loadingNext = false
	if err != nil || c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return 0, err
	}
	if rowCount == 0 {
		c.hasMore = false
		c.mu.Unlock()
		c.changed()
		return 0, nil
	}
	before := len(c.list)
	c.list = reconcile.AppendPage(c.list, items)
	added := len(c.list) - before
	c.cursor = PageCursor{Index: cursor.Index + 1, Size: cursor.Size}
	c.hasMore = rowCount >= cursor.Size
	c.mu.Unlock()
	c.changed()
	return added, nil
}

// Refresh refetches the first page and replaces the list with it. Entries no
// longer upstream are discarded; unconfirmed placeholders are kept.
func (c *Controller[T]) Refresh(ctx context.Context) error {
	fetchCtx, stop := c.bind(ctx)
	defer stop()
	return c.fetchFirst(fetchCtx)
}

// Start subscribes to realtime changes and starts the poller and auto-refresh.
func (c *Controller[T]) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if c.manager != nil && !c.resource.Detached {
		topic := realtime.Topic{Table: c.resource.Table, Filter: c.resource.Filter.String()}
		handle, err := c.manager.Subscribe(topic, nil, c.changes.Add)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			c.manager.Unsubscribe(handle)
			return ErrClosed
		}
		c.handle = handle
		c.mu.Unlock()
	}
	if c.resource.Poll && c.config.PollInterval > 0 {
		c.goTracked(func() { c.every(c.config.PollInterval, c.pollOnce) })
	}
	if c.config.AutoRefresh > 0 {
		c.goTracked(func() { c.every(c.config.AutoRefresh, c.autoRefresh) })
	}
	return nil
}

// Close stops every timer and subscription. No listener runs after Close returns.
func (c *Controller[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	handle := c.handle
	c.handle = nil
	if c.backfill != nil {
		c.backfill.Stop()
	}
	close(c.notices)
	c.mu.Unlock()

	c.cancel()
	if handle != nil {
		c.manager.Unsubscribe(handle)
	}
	c.changes.Stop()
	c.persist.Stop()
	c.wg.Wait()

	c.mu.Lock()
	list := append([]T(nil), c.list...)
	saveErr := c.saveErr
	c.mu.Unlock()
	var finalErr error
	if c.resource.Snapshot != nil && len(list) > 0 {
		finalErr = c.resource.Snapshot.Save(context.Background(), committed(list))
	}
	return multierr.Combine(saveErr, finalErr)
}

func (c *Controller[T]) restoreSnapshot(ctx context.Context) []T {
	if c.resource.Snapshot == nil {
		return nil
	}
	cached, ok := c.resource.Snapshot.Load(ctx)
	if !ok || len(cached) == 0 {
		return nil
	}
	applied := false
	c.mu.Lock()
	if !c.closed && len(c.list) == 0 {
		c.list = reconcile.Replace(cached)
		if c.resource.Placement == reconcile.Prepend && len(c.list) > 0 {
			c.newestID = c.list[0].RecordID()
		}
		applied = true
	}
	c.mu.Unlock()
	if applied {
		c.logger.Info("showing cached snapshot", zap.Int("records", len(cached)))
		c.changed()
	}
	return c.Items()
}

func (c *Controller[T]) fetchFirst(ctx context.Context) error {
	_, err, _ := c.first.Do(firstPageKey, func() (interface{}, error) {
		items, rowCount, err := c.fetch(ctx, 0, c.config.PageSize)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		c.list = c.withPending(c.settleAll(reconcile.Temporaries(c.list), items), reconcile.Replace(items))
		c.cursor = PageCursor{Index: 1, Size: c.config.PageSize}
		c.hasMore = rowCount >= c.config.PageSize
		c.epoch++
		if c.resource.Placement == reconcile.Prepend && len(items) > 0 {
			c.newestID = items[0].RecordID()
		}
		c.mu.Unlock()
		c.changed()
		return nil, nil
	})
	return err
}

func (c *Controller[T]) scheduleBackfill() {
	if c.config.BackfillDelay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.hasMore {
		return
	}
	if c.backfill != nil {
		c.backfill.Stop()
	}
	c.backfill = c.clock.AfterFunc(c.config.BackfillDelay, func() {
		if !c.enter() {
			return
		}
		defer c.wg.Done()
		if _, err := c.LoadNextPage(c.lifetime); err != nil {
			c.logger.Warn("background backfill failed", zap.Error(err))
		}
	})
}

func (c *Controller[T]) autoRefresh(ctx context.Context) {
	items, _, err := c.fetch(ctx, 0, c.config.PageSize)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	temporaries := c.settleAll(reconcile.Temporaries(c.list), items)
	confirmed := committed(c.list)
	c.list = c.withPending(temporaries, reconcile.MergePage(confirmed, items))
	if c.resource.Placement == reconcile.Prepend && len(items) > 0 {
		c.newestID = items[0].RecordID()
	}
	c.mu.Unlock()
	c.changed()
}

// pollOnce fetches the newest records and feeds unseen ones through the
// reconciler as inserts, oldest first so the newest lands at the head.
func (c *Controller[T]) pollOnce(ctx context.Context) {
	items, _, err := c.fetch(ctx, 0, c.config.PollBatch)
	if err != nil || len(items) == 0 {
		return
	}
	newest := items[0].RecordID()
	c.mu.Lock()
	last := c.newestID
	if last == "" {
		c.newestID = newest
	}
	c.mu.Unlock()
	if last == "" || last == newest {
		return
	}
	inserted := 0
	for index := len(items) - 1; index >= 0; index-- {
		outcome := c.apply(reconcile.Event[T]{
			Kind:         reconcile.KindInsert,
			Record:       items[index],
			Fields:       records.NewFieldSet(),
			Subscription: "poll:" + c.resource.Table,
			ReceivedAt:   c.clock.Now(),
		})
		if outcome.Changed() {
			inserted++
		}
	}
	c.mu.Lock()
	c.newestID = newest
	c.mu.Unlock()
	if inserted > 0 {
		c.logger.Debug("poll fallback inserted records", zap.Int("records", inserted))
	}
}

func (c *Controller[T]) handleChanges(batch []normalize.RawChange) {
	if !c.enter() {
		return
	}
	defer c.wg.Done()
	subscription := realtime.Topic{Table: c.resource.Table, Filter: c.resource.Filter.String()}.Name()
	for _, change := range batch {
		event, _, err := normalize.Change(change, c.resource.Decode, subscription).Unwrap()
		if err != nil {
			c.logger.Warn("dropping malformed change", zap.String("kind", change.Kind), zap.Error(err))
			continue
		}
		if event.Kind == reconcile.KindInsert && c.resource.CompleteInserts && !event.Fields.Has(records.FieldAuthor) {
			event.Record = c.complete(event.Record)
		}
		c.apply(event)
	}
}

// complete refetches an inserted row with its joins, falling back to the bare record.
func (c *Controller[T]) complete(item T) T {
	rows, err := c.source.FetchPage(c.lifetime, c.resource.Table, datasource.Eq("id", item.RecordID()), 0, 1)
	if err != nil || len(rows) == 0 {
		return item
	}
	items, _ := normalize.Rows(rows, c.resource.Decode)
	if len(items) == 0 {
		return item
	}
	if c.resource.Hydrate != nil {
		items = c.resource.Hydrate(c.lifetime, items)
	}
	return items[0]
}

func (c *Controller[T]) apply(event reconcile.Event[T]) reconcile.Outcome {
	id := event.Record.RecordID()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return reconcile.OutcomeNoMatch
	}
	list := c.list
	settled := false
	if event.Kind == reconcile.KindInsert && c.resource.Settle != nil {
		list, settled = c.resource.Settle(list, event.Record)
	}
	next, outcome := reconcile.ApplyAt(list, event, c.resource.Placement)
	if settled {
		next, outcome = list, reconcile.OutcomeApplied
	}
	if outcome.Changed() {
		c.list = next
		if event.Kind == reconcile.KindInsert && c.resource.Placement == reconcile.Prepend && !records.IsTemporary(id) {
			c.newestID = id
		}
	}
	c.mu.Unlock()

	switch {
	case outcome == reconcile.OutcomeInvalid:
		c.logger.Warn("dropping invalid event", zap.String("kind", string(event.Kind)), zap.String("subscription", event.Subscription))
	case outcome.Changed():
		c.changed()
	}
	return outcome
}

// mutate runs fn against the list under the lock and publishes the result.
func (c *Controller[T]) mutate(fn func(list []T) ([]T, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	next, err := fn(c.list)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.list = next
	c.mu.Unlock()
	c.changed()
	return nil
}

// update replaces the record with id by fn's result and returns the prior value.
func (c *Controller[T]) update(id string, fn func(T) T) (T, error) {
	var before T
	err := c.mutate(func(list []T) ([]T, error) {
		current, ok := reconcile.Find(list, id)
		if !ok {
			return nil, ErrNotFound
		}
		before = current
		next := make([]T, len(list))
		for index, item := range list {
			if item.RecordID() == id {
				next[index] = fn(item)
				continue
			}
			next[index] = item
		}
		return next, nil
	})
	return before, err
}

func (c *Controller[T]) find(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return reconcile.Find(c.list, id)
}

func (c *Controller[T]) remove(id string) bool {
	removed := false
	_ = c.mutate(func(list []T) ([]T, error) {
		if !reconcile.Contains(list, id) {
			return list, nil
		}
		removed = true
		return reconcile.Remove(list, id), nil
	})
	return removed
}

func (c *Controller[T]) notify(notice Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.notices <- notice:
	default:
		c.logger.Warn("notice dropped; buffer full", zap.String("kind", string(notice.Kind)), zap.String("record_id", notice.RecordID))
	}
}

func (c *Controller[T]) changed() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	list := append([]T(nil), c.list...)
	listeners := make([]func([]T), 0, len(c.listeners))
	for _, listener := range c.listeners {
		listeners = append(listeners, listener)
	}
	c.mu.Unlock()

	if c.resource.Snapshot != nil {
		c.persist.Call(committed(list))
	}
	for _, listener := range listeners {
		listener(append([]T(nil), list...))
	}
}

func (c *Controller[T]) saveSnapshot(list []T) {
	err := c.resource.Snapshot.Save(context.Background(), list)
	c.mu.Lock()
	c.saveErr = err
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("cache snapshot write failed", zap.Error(err))
	}
}

func (c *Controller[T]) fetch(ctx context.Context, offset int, limit int) ([]T, int, error) {
	rows, err := c.source.FetchPage(ctx, c.resource.Table, c.resource.Filter, offset, limit)
	if err != nil {
		c.logger.Warn("page fetch failed", zap.Int("offset", offset), zap.Int("limit", limit), zap.Error(err))
		return nil, 0, err
	}
	items, rejected := normalize.Rows(rows, c.resource.Decode)
	for _, reason := range rejected {
		c.logger.Warn("dropping malformed row", zap.String("reason", reason))
	}
	if c.resource.Hydrate != nil && len(items) > 0 {
		items = c.resource.Hydrate(ctx, items)
	}
	return items, len(rows), nil
}

func (c *Controller[T]) settleAll(temporaries []T, confirmed []T) []T {
	if c.resource.Settle == nil || len(temporaries) == 0 {
		return temporaries
	}
	for _, item := range confirmed {
		temporaries, _ = c.resource.Settle(temporaries, item)
	}
	return temporaries
}

// withPending puts unconfirmed placeholders on the side of list where new
// records enter: the head of a newest-first feed, the tail of a thread.
func (c *Controller[T]) withPending(temporaries []T, list []T) []T {
	if c.resource.Placement == reconcile.Append {
		return reconcile.AppendPage(list, temporaries)
	}
	return reconcile.AppendPage(temporaries, list)
}

func (c *Controller[T]) every(interval time.Duration, fn func(context.Context)) {
	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.lifetime.Done():
			return
		case <-ticker.C:
			fn(c.lifetime)
		}
	}
}

// enter registers an in-flight callback; it fails once the controller is closed.
func (c *Controller[T]) enter() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *Controller[T]) goTracked(fn func()) bool {
	if !c.enter() {
		return false
	}
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// bind derives a context that also ends when the controller closes.
func (c *Controller[T]) bind(ctx context.Context) (context.Context, func()) {
	bound, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.lifetime, cancel)
	return bound, func() {
		stop()
		cancel()
	}
}

func committed[T records.Record[T]](list []T) []T {
	confirmed := make([]T, 0, len(list))
	for _, item := range list {
		if !records.IsTemporary(item.RecordID()) {
			confirmed = append(confirmed, item)
		}
	}
	return confirmed
}
