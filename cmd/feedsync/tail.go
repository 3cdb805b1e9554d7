package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lastbench/feedsync/internal/feed"
	"github.com/lastbench/feedsync/internal/records"
)

const tailPreview = 10

func newTailCommand() *cobra.Command {
	var withNotifications bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow the live post feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), cmd.OutOrStdout(), withNotifications)
		},
	}
	cmd.Flags().BoolVar(&withNotifications, "notifications", false, "Also follow the signed-in user's notifications")
	return cmd
}

func runTail(ctx context.Context, out io.Writer, withNotifications bool) (err error) {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stack, err := openClient(signalCtx, "tail")
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, stack.Close()) }()

	posts, err := stack.postFeed()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, posts.Close()) }()

	cached, loaded := posts.LoadFirstPage(signalCtx)
	if len(cached) > 0 {
		fmt.Fprintf(out, "cached: %d posts\n", len(cached))
	}
	if loadErr := <-loaded; loadErr != nil {
		stack.logger.Warn("first page failed", zap.Error(loadErr))
	}
	printPosts(out, posts.Items())

	posts.OnChange(func(items []records.Post) {
		if len(items) > 0 {
			fmt.Fprintf(out, "feed: %d posts, newest %s\n", len(items), describePost(items[0]))
		}
	})
	if err := posts.Start(); err != nil {
		return err
	}

	var notices <-chan feed.Notice
	if withNotifications && stack.user.ID != "" {
		notifications, feedErr := feed.NewNotificationFeed(stack.dependencies(), stack.user.ID, stack.feedConfig())
		if feedErr != nil {
			return feedErr
		}
		defer func() { err = multierr.Append(err, notifications.Close()) }()
		_, notificationsLoaded := notifications.LoadFirstPage(signalCtx)
		if loadErr := <-notificationsLoaded; loadErr != nil {
			stack.logger.Warn("notifications failed to load", zap.Error(loadErr))
		}
		fmt.Fprintf(out, "unread notifications: %d\n", notifications.UnreadCount())
		notifications.OnChange(func([]records.Notification) {
			fmt.Fprintf(out, "unread notifications: %d\n", notifications.UnreadCount())
		})
		if startErr := notifications.Start(); startErr != nil {
			return startErr
		}
		notices = notifications.Notices()
	}

	postNotices := posts.Notices()
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case notice, ok := <-postNotices:
			if !ok {
				return nil
			}
			printNotice(out, notice)
		case notice, ok := <-notices:
			if !ok {
				notices = nil
				continue
			}
			printNotice(out, notice)
		}
	}
}

func printPosts(out io.Writer, posts []records.Post) {
	for i, post := range posts {
		if i == tailPreview {
			fmt.Fprintf(out, "  … %d more\n", len(posts)-tailPreview)
			return
		}
		fmt.Fprintf(out, "  %s\n", describePost(post))
	}
}

func describePost(post records.Post) string {
	text := strings.ReplaceAll(post.Text, "\n", " ")
	if runes := []rune(text); len(runes) > 60 {
		text = string(runes[:60]) + "…"
	}
	return fmt.Sprintf("[%s] %s: %s (♥ %d, 💬 %d)", post.CreatedAt.Local().Format("Jan 2 15:04"), post.DisplayName, text, post.LikesCount, post.CommentsCount)
}

func printNotice(out io.Writer, notice feed.Notice) {
	if notice.Err != nil {
		fmt.Fprintf(out, "! %s %s: %s (%v)\n", notice.Kind, notice.RecordID, notice.Message, notice.Err)
		return
	}
	fmt.Fprintf(out, "! %s %s: %s\n", notice.Kind, notice.RecordID, notice.Message)
}
