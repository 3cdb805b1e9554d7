package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/cache"
	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/reconcile"
	"github.com/lastbench/feedsync/internal/records"
	"github.com/lastbench/feedsync/internal/session"
)

const (
	postsTable      = "posts"
	postLikesTable  = "post_likes"
	reportsTable    = "reports"
	likesCounter    = "likes_count"
	commentsCounter = "comments_count"
	reportsCounter  = "reports_count"
)

// PostFeedOptions wires a PostFeed.
type PostFeedOptions struct {
	Dependencies
	Session *session.Context
	// Cache stores the feed snapshot; nil disables the cold-start cache.
	Cache cache.Store
	// College narrows the feed to one campus when set.
	College string
	Config  Config
	IDs     *records.TempIDSource
}

// PostFeed is the home feed: newest posts first, reconciled with realtime
// changes, with optimistic create, like, edit, delete and report.
type PostFeed struct {
	*Controller[records.Post]

	session *session.Context
	ids     *records.TempIDSource
	pending pendingSet
}

// NewPostFeed constructs a PostFeed. Call Start to begin live updates.
func NewPostFeed(options PostFeedOptions) (*PostFeed, error) {
	feed, err := newPostFeed(options.Dependencies, options.Session, options.IDs)
	if err != nil {
		return nil, err
	}
	config := options.Config.withDefaults()
	resource := feed.resource(postsTable, normalize.Post)
	resource.Poll = true
	if options.College != "" {
		resource.Filter = datasource.Eq("college", options.College)
	}
	if options.Cache != nil {
		resource.Snapshot = cache.NewSnapshot[records.Post](options.Cache, cache.FeedCacheKey, config.PageSize, options.Logger)
	}
	feed.Controller = newController(resource, options.Dependencies, config)
	return feed, nil
}

func newPostFeed(deps Dependencies, sessionContext *session.Context, ids *records.TempIDSource) (*PostFeed, error) {
	if deps.Source == nil {
		return nil, ErrMissingSource
	}
	if sessionContext == nil {
		return nil, ErrMissingSession
	}
	if ids == nil {
		ids = records.NewTempIDSource(nil)
	}
	return &PostFeed{session: sessionContext, ids: ids}, nil
}

// resource describes a newest-first list of posts read from table.
func (f *PostFeed) resource(table string, decode normalize.Decoder[records.Post]) Resource[records.Post] {
	return Resource[records.Post]{
		Table:           table,
		Decode:          decode,
		Placement:       reconcile.Prepend,
		CompleteInserts: true,
		Hydrate:         f.hydrateLikes,
		Settle:          reconcile.Settle[records.Post],
	}
}

// BeginCreate inserts a placeholder for draft at the head of the feed and returns it.
func (f *PostFeed) BeginCreate(ctx context.Context, draft records.PostDraft) (records.Post, error) {
	text := strings.TrimSpace(draft.Text)
	if text == "" && len(draft.Images) == 0 {
		return records.Post{}, ErrEmptyDraft
	}
	user, signedIn, err := f.session.User(ctx)
	if err != nil {
		return records.Post{}, err
	}
	if !signedIn {
		return records.Post{}, ErrSignedOut
	}
	temp := records.Post{
		ID:           f.ids.NewTemporaryID(),
		AuthorID:     user.ID,
		AuthorAnonID: user.AnonID,
		DisplayName:  user.DisplayName,
		AvatarColor:  user.AvatarColor,
		Text:         text,
		Images:       append([]string(nil), draft.Images...),
		College:      user.College,
		Tags:         append([]records.PostTag(nil), draft.Tags...),
		CreatedAt:    f.clock.Now().UTC(),
		ClientKey:    f.ids.NewClientKey(),
	}
	if len(temp.Images) > 0 {
		temp.ImageURL = temp.Images[0]
	}
	err = f.mutate(func(list []records.Post) ([]records.Post, error) {
		next, _ := reconcile.ApplyAt(list, reconcile.Event[records.Post]{Kind: reconcile.KindInsert, Record: temp}, reconcile.Prepend)
		return next, nil
	})
	return temp, err
}

// CompleteCreate swaps the placeholder for the confirmed post. If a realtime
// echo already delivered the post the placeholder is simply dropped.
func (f *PostFeed) CompleteCreate(tempID string, real records.Post) error {
	return f.mutate(func(list []records.Post) ([]records.Post, error) {
		return reconcile.Resolve(list, tempID, real, reconcile.Prepend), nil
	})
}

// FailCreate removes the placeholder and raises a notice.
func (f *PostFeed) FailCreate(tempID string, cause error) {
	f.remove(tempID)
	f.notify(Notice{Kind: NoticeCreateFailed, RecordID: tempID, Message: "Could not publish your post.", Err: cause})
}

// Create publishes draft and returns the confirmed post.
func (f *PostFeed) Create(ctx context.Context, draft records.PostDraft) (records.Post, error) {
	temp, err := f.BeginCreate(ctx, draft)
	if err != nil {
		return records.Post{}, err
	}
	row, err := f.source.Insert(ctx, postsTable, datasource.Row{
		"author_id":  temp.AuthorID,
		"text":       temp.Text,
		"images":     temp.Images,
		"image_url":  temp.ImageURL,
		"college":    temp.College,
		"tags":       temp.Tags,
		"client_key": temp.ClientKey,
	})
	if err != nil {
		f.FailCreate(temp.ID, err)
		return records.Post{}, err
	}
	real, fields, err := normalize.Post(row).Unwrap()
	if err != nil {
		f.FailCreate(temp.ID, err)
		return records.Post{}, err
	}
	if !fields.Has(records.FieldAuthor) {
		real = real.Merge(temp, records.NewFieldSet(records.FieldAuthor))
	}
	if err := f.CompleteCreate(temp.ID, real); err != nil {
		return real, err
	}
	return real, nil
}

// ToggleLike flips the like state locally, then persists it. On failure the
// post is restored to its prior state and a notice is raised.
func (f *PostFeed) ToggleLike(ctx context.Context, id string) error {
	if records.IsTemporary(id) {
		return ErrTemporaryRecord
	}
	userID := f.session.UserID(ctx)
	if userID == "" {
		return ErrSignedOut
	}
	if !f.pending.acquire(id) {
		return ErrMutationPending
	}
	defer f.pending.release(id)

	before, err := f.update(id, func(post records.Post) records.Post {
		post.IsLiked = !post.IsLiked
		post.LikesCount = max(0, post.LikesCount+likeDelta(post.IsLiked))
		return post
	})
	if err != nil {
		return err
	}
	liking := !before.IsLiked

	count, err := toggleLikeRow(ctx, f.source, likeTarget{
		likes:  postLikesTable,
		parent: postsTable,
		column: "post_id",
		id:     id,
		userID: userID,
		liking: liking,
	})
	if err != nil {
		_, _ = f.update(id, func(post records.Post) records.Post {
			post.IsLiked = before.IsLiked
			post.LikesCount = before.LikesCount
			return post
		})
		f.notify(Notice{Kind: NoticeLikeFailed, RecordID: id, Message: "Could not update like.", Err: err})
		return err
	}
	_, _ = f.update(id, func(post records.Post) records.Post {
		post.LikesCount = count
		return post
	})
	return nil
}

// UpdateText edits the text of the user's post.
func (f *PostFeed) UpdateText(ctx context.Context, id string, text string) error {
	if records.IsTemporary(id) {
		return ErrTemporaryRecord
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyDraft
	}
	if !f.pending.acquire(id) {
		return ErrMutationPending
	}
	defer f.pending.release(id)

	before, err := f.update(id, func(post records.Post) records.Post {
		post.Text = text
		post.IsEdited = true
		return post
	})
	if err != nil {
		return err
	}
	if err := f.source.Update(ctx, postsTable, id, datasource.Row{"text": text, "is_edited": true}); err != nil {
		_, _ = f.update(id, func(post records.Post) records.Post {
			post.Text = before.Text
			post.IsEdited = before.IsEdited
			return post
		})
		f.notify(Notice{Kind: NoticeUpdateFailed, RecordID: id, Message: "Could not save your edit.", Err: err})
		return err
	}
	return nil
}

// DeletePost removes one of the user's posts. Deleting a post owned by
// someone else affects no rows and reports ErrNotOwner.
func (f *PostFeed) DeletePost(ctx context.Context, id string) error {
	if records.IsTemporary(id) {
		return ErrTemporaryRecord
	}
	userID := f.session.UserID(ctx)
	if userID == "" {
		return ErrSignedOut
	}
	deleted, err := f.source.Delete(ctx, postsTable, id, userID)
	if err == nil && deleted == 0 {
		err = ErrNotOwner
	}
	if err != nil {
		f.notify(Notice{Kind: NoticeDeleteFailed, RecordID: id, Message: "Could not delete the post.", Err: err})
		return err
	}
	f.remove(id)
	return nil
}

// Report files a report against a post. Once the post reaches the report
// threshold it is removed from the feed and removed is true.
func (f *PostFeed) Report(ctx context.Context, id string, reason string) (bool, error) {
	if records.IsTemporary(id) {
		return false, ErrTemporaryRecord
	}
	userID := f.session.UserID(ctx)
	if userID == "" {
		return false, ErrSignedOut
	}
	_, err := f.source.Insert(ctx, reportsTable, datasource.Row{
		"post_id":     id,
		"reporter_id": userID,
		"reason":      strings.TrimSpace(reason),
	})
	if err != nil {
		f.notify(Notice{Kind: NoticeReportFailed, RecordID: id, Message: "Could not submit the report.", Err: err})
		return false, err
	}
	count, err := f.source.Increment(ctx, postsTable, id, reportsCounter, 1)
	if err != nil {
		f.logger.Warn("report counter update failed", zap.String("post_id", id), zap.Error(err))
		f.notify(Notice{Kind: NoticeReportFailed, RecordID: id, Message: "Your report was saved but could not be counted.", Err: err})
		return false, fmt.Errorf("count report %s: %w", id, err)
	}
	if count < int64(f.config.ReportThreshold) {
		return false, nil
	}
	f.remove(id)
	f.notify(Notice{Kind: NoticeRemoved, RecordID: id, Message: "This post was removed after multiple reports."})
	return true, nil
}

// hydrateLikes marks the posts the signed-in user has liked.
func (f *PostFeed) hydrateLikes(ctx context.Context, posts []records.Post) []records.Post {
	liked := lookupLiked(ctx, f.source, f.session, f.logger, postLikesTable, "post_id", postIDs(posts))
	if liked == nil {
		return posts
	}
	for index := range posts {
		posts[index].IsLiked = liked[posts[index].ID]
	}
	return posts
}

func postIDs(posts []records.Post) []string {
	ids := make([]string, 0, len(posts))
	for _, post := range posts {
		ids = append(ids, post.ID)
	}
	return ids
}

// lookupLiked returns nil when the source cannot answer or nobody is signed in.
func lookupLiked(ctx context.Context, source datasource.Source, sessionContext *session.Context, logger *zap.Logger, resource string, column string, ids []string) map[string]bool {
	lookup, ok := source.(datasource.LikeLookup)
	if !ok || len(ids) == 0 {
		return nil
	}
	userID := sessionContext.UserID(ctx)
	if userID == "" {
		return nil
	}
	liked, err := lookup.LikedIDs(ctx, resource, column, userID, ids)
	if err != nil {
		logger.Warn("like state lookup failed", zap.String("resource", resource), zap.Error(err))
		return nil
	}
	return liked
}

type likeTarget struct {
	likes  string
	parent string
	column string
	id     string
	userID string
	liking bool
}

// likeRowID is stable per record and user, so a repeated like collides upstream
// instead of double counting.
func likeRowID(recordID string, userID string) string {
	return recordID + ":" + userID
}

// toggleLikeRow writes or removes the like row and moves the parent's counter
// atomically. It returns the authoritative count. A like row that already
// exists, or is already gone, means another session got there first; the
// counter is read back instead of moved. When the counter cannot be moved the
// like row write is undone so upstream state matches the rollback.
func toggleLikeRow(ctx context.Context, source datasource.Source, target likeTarget) (int, error) {
	row := datasource.Row{
		"id":          likeRowID(target.id, target.userID),
		target.column: target.id,
		"user_id":     target.userID,
	}
	if target.liking {
		if _, err := source.Insert(ctx, target.likes, row); err != nil {
			if errors.Is(err, datasource.ErrConflict) {
				return likesOf(ctx, source, target)
			}
			return 0, fmt.Errorf("like %s: %w", target.id, err)
		}
	} else {
		removed, err := source.Delete(ctx, target.likes, likeRowID(target.id, target.userID), target.userID)
		if err != nil {
			return 0, fmt.Errorf("unlike %s: %w", target.id, err)
		}
		if removed == 0 {
			return likesOf(ctx, source, target)
		}
	}
	count, err := source.Increment(ctx, target.parent, target.id, likesCounter, likeDelta(target.liking))
	if err != nil {
		countErr := fmt.Errorf("count like %s: %w", target.id, err)
		return 0, multierr.Append(countErr, undoLikeRow(context.WithoutCancel(ctx), source, target, row))
	}
	return int(max(0, count)), nil
}

// undoLikeRow reverts the like row write of a toggle whose counter step failed.
func undoLikeRow(ctx context.Context, source datasource.Source, target likeTarget, row datasource.Row) error {
	if target.liking {
		if _, err := source.Delete(ctx, target.likes, likeRowID(target.id, target.userID), target.userID); err != nil {
			return fmt.Errorf("undo like %s: %w", target.id, err)
		}
		return nil
	}
	if _, err := source.Insert(ctx, target.likes, row); err != nil && !errors.Is(err, datasource.ErrConflict) {
		return fmt.Errorf("undo unlike %s: %w", target.id, err)
	}
	return nil
}

// likesOf reads the parent's like counter as stored upstream.
func likesOf(ctx context.Context, source datasource.Source, target likeTarget) (int, error) {
	rows, err := source.FetchPage(ctx, target.parent, datasource.Eq("id", target.id), 0, 1)
	if err != nil {
		return 0, fmt.Errorf("read likes of %s: %w", target.id, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("read likes of %s: %w", target.id, ErrNotFound)
	}
	count, err := normalize.Counter(rows[0], likesCounter)
	if err != nil {
		return 0, fmt.Errorf("read likes of %s: %w", target.id, err)
	}
	return count, nil
}

func likeDelta(liked bool) int {
	if liked {
		return 1
	}
	return -1
}

// pendingSet tracks records with an optimistic change in flight.
type pendingSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (s *pendingSet) acquire(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}
	if _, busy := s.ids[id]; busy {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *pendingSet) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}
