package feed

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/datasource"
	"github.com/lastbench/feedsync/internal/normalize"
	"github.com/lastbench/feedsync/internal/reconcile"
	"github.com/lastbench/feedsync/internal/records"
	"github.com/lastbench/feedsync/internal/session"
)

const (
	commentsTable     = "comments"
	commentLikesTable = "comment_likes"
)

// CommentThreadOptions wires a CommentThread.
type CommentThreadOptions struct {
	Dependencies
	Session *session.Context
	PostID  string
	Config  Config
	IDs     *records.TempIDSource
}

// CommentThread keeps the comments of one post in ascending order.
type CommentThread struct {
	*Controller[records.Comment]

	postID  string
	session *session.Context
	ids     *records.TempIDSource
	pending pendingSet
}

// NewCommentThread constructs a CommentThread for a confirmed post.
func NewCommentThread(options CommentThreadOptions) (*CommentThread, error) {
	if options.Source == nil {
		return nil, ErrMissingSource
	}
	if options.Session == nil {
		return nil, ErrMissingSession
	}
	postID, err := records.NewReferenceID(options.PostID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecordRef, err)
	}
	ids := options.IDs
	if ids == nil {
		ids = records.NewTempIDSource(nil)
	}
	thread := &CommentThread{postID: postID.String(), session: options.Session, ids: ids}
	thread.Controller = newController(Resource[records.Comment]{
		Table:           commentsTable,
		Filter:          datasource.Eq("post_id", postID.String()),
		Decode:          normalize.Comment,
		Placement:       reconcile.Append,
		CompleteInserts: true,
		Hydrate:         thread.hydrateLikes,
		Settle:          reconcile.Settle[records.Comment],
	}, options.Dependencies, options.Config)
	return thread, nil
}

// PostID returns the post the thread belongs to.
func (t *CommentThread) PostID() string {
	return t.postID
}

// Replies returns the confirmed and pending replies to parentID in order.
// An empty parentID selects top-level comments.
func (t *CommentThread) Replies(parentID string) []records.Comment {
	var replies []records.Comment
	for _, comment := range t.Items() {
		if comment.ParentID == parentID {
			replies = append(replies, comment)
		}
	}
	return replies
}

// BeginComment appends a placeholder for draft. Replies must reference a
// confirmed parent comment.
func (t *CommentThread) BeginComment(ctx context.Context, draft records.CommentDraft) (records.Comment, error) {
	text := strings.TrimSpace(draft.Text)
	if text == "" {
		return records.Comment{}, ErrEmptyDraft
	}
	if draft.ParentID != "" {
		if _, err := records.NewReferenceID(draft.ParentID); err != nil {
			return records.Comment{}, fmt.Errorf("%w: %w", ErrInvalidRecordRef, err)
		}
	}
	user, signedIn, err := t.session.User(ctx)
	if err != nil {
		return records.Comment{}, err
	}
	if !signedIn {
		return records.Comment{}, ErrSignedOut
	}
	temp := records.Comment{
		ID:           t.ids.NewTemporaryID(),
		PostID:       t.postID,
		ParentID:     draft.ParentID,
		AuthorID:     user.ID,
		AuthorAnonID: user.AnonID,
		AvatarColor:  user.AvatarColor,
		Text:         text,
		CreatedAt:    t.clock.Now().UTC(),
		ClientKey:    t.ids.NewClientKey(),
	}
	err = t.mutate(func(list []records.Comment) ([]records.Comment, error) {
		next, _ := reconcile.ApplyAt(list, reconcile.Event[records.Comment]{Kind: reconcile.KindInsert, Record: temp}, reconcile.Append)
		return next, nil
	})
	return temp, err
}

// CompleteComment swaps the placeholder for the confirmed comment.
func (t *CommentThread) CompleteComment(tempID string, real records.Comment) error {
	return t.mutate(func(list []records.Comment) ([]records.Comment, error) {
		return reconcile.Resolve(list, tempID, real, reconcile.Append), nil
	})
}

// FailComment removes the placeholder and raises a notice.
func (t *CommentThread) FailComment(tempID string, cause error) {
	t.remove(tempID)
	t.notify(Notice{Kind: NoticeCreateFailed, RecordID: tempID, Message: "Could not post your comment.", Err: cause})
}

// Comment publishes draft and bumps the post's comment counter.
func (t *CommentThread) Comment(ctx context.Context, draft records.CommentDraft) (records.Comment, error) {
	temp, err := t.BeginComment(ctx, draft)
	if err != nil {
		return records.Comment{}, err
	}
	payload := datasource.Row{
		"post_id":    t.postID,
		"author_id":  temp.AuthorID,
		"text":       temp.Text,
		"client_key": temp.ClientKey,
	}
	if temp.ParentID != "" {
		payload["parent_id"] = temp.ParentID
	}
	row, err := t.source.Insert(ctx, commentsTable, payload)
	if err != nil {
		t.FailComment(temp.ID, err)
		return records.Comment{}, err
	}
	real, fields, err := normalize.Comment(row).Unwrap()
	if err != nil {
		t.FailComment(temp.ID, err)
		return records.Comment{}, err
	}
	if !fields.Has(records.FieldAuthor) {
		real = real.Merge(temp, records.NewFieldSet(records.FieldAuthor))
	}
	if _, err := t.source.Increment(ctx, postsTable, t.postID, commentsCounter, 1); err != nil {
		t.logger.Warn("comment counter update failed", zap.String("post_id", t.postID), zap.Error(err))
	}
	return real, t.CompleteComment(temp.ID, real)
}

// ToggleLike flips the like state of a comment, rolling back on failure.
func (t *CommentThread) ToggleLike(ctx context.Context, id string) error {
	if records.IsTemporary(id) {
		return ErrTemporaryRecord
	}
	userID := t.session.UserID(ctx)
	if userID == "" {
		return ErrSignedOut
	}
	if !t.pending.acquire(id) {
		return ErrMutationPending
	}
	defer t.pending.release(id)

	before, err := t.update(id, func(comment records.Comment) records.Comment {
		comment.IsLiked = !comment.IsLiked
		comment.LikesCount = max(0, comment.LikesCount+likeDelta(comment.IsLiked))
		return comment
	})
	if err != nil {
		return err
	}
	count, err := toggleLikeRow(ctx, t.source, likeTarget{
		likes:  commentLikesTable,
		parent: commentsTable,
		column: "comment_id",
		id:     id,
		userID: userID,
		liking: !before.IsLiked,
	})
	if err != nil {
		_, _ = t.update(id, func(comment records.Comment) records.Comment {
			comment.IsLiked = before.IsLiked
			comment.LikesCount = before.LikesCount
			return comment
		})
		t.notify(Notice{Kind: NoticeLikeFailed, RecordID: id, Message: "Could not update like.", Err: err})
		return err
	}
	_, _ = t.update(id, func(comment records.Comment) records.Comment {
		comment.LikesCount = count
		return comment
	})
	return nil
}

func (t *CommentThread) hydrateLikes(ctx context.Context, comments []records.Comment) []records.Comment {
	ids := make([]string, 0, len(comments))
	for _, comment := range comments {
		ids = append(ids, comment.ID)
	}
	liked := lookupLiked(ctx, t.source, t.session, t.logger, commentLikesTable, "comment_id", ids)
	if liked == nil {
		return comments
	}
	for index := range comments {
		comments[index].IsLiked = liked[comments[index].ID]
	}
	return comments
}
