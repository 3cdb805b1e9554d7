package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/lastbench/feedsync/internal/media"
	"github.com/lastbench/feedsync/internal/records"
)

func newPostCommand() *cobra.Command {
	var (
		text   string
		tags   []string
		images []string
	)
	cmd := &cobra.Command{
		Use:   "post",
		Short: "Publish a post, uploading any images first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if text == "" && len(args) > 0 {
				text = strings.Join(args, " ")
			}
			return runPost(cmd.Context(), cmd.OutOrStdout(), text, tags, images)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Post text")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "Post tag (Confess, Roast, Meme, Love, Dept, Other)")
	cmd.Flags().StringSliceVar(&images, "image", nil, "Image file to attach")
	return cmd
}

func runPost(ctx context.Context, out io.Writer, text string, tags []string, imagePaths []string) (err error) {
	stack, err := openClient(ctx, "post")
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, stack.Close()) }()

	var urls []string
	if len(imagePaths) > 0 {
		if !stack.config.Media.Enabled() {
			return fmt.Errorf("media.endpoint is required to attach images")
		}
		uploader, err := media.NewMinioUploader(media.MinioConfig{
			Endpoint:        stack.config.Media.Endpoint,
			AccessKeyID:     stack.config.Media.AccessKey,
			SecretAccessKey: stack.config.Media.SecretKey,
			Bucket:          stack.config.Media.Bucket,
			Region:          stack.config.Media.Region,
			PublicBaseURL:   stack.config.Media.PublicURL,
		})
		if err != nil {
			return err
		}
		blobs := make([]media.Image, 0, len(imagePaths))
		for _, path := range imagePaths {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			blobs = append(blobs, media.Image{Name: filepath.Base(path), Data: data})
		}
		urls, err = media.UploadAll(ctx, uploader, blobs)
		if err != nil {
			return err
		}
	}

	postTags := make([]records.PostTag, 0, len(tags))
	for _, tag := range tags {
		postTags = append(postTags, records.PostTag(strings.TrimSpace(tag)))
	}

	posts, err := stack.postFeed()
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, posts.Close()) }()

	created, err := posts.Create(ctx, records.PostDraft{Text: text, Images: urls, Tags: postTags})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "posted %s\n", created.ID)
	return nil
}
