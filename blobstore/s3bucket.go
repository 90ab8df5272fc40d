package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	signedURLTTL     = 15 * time.Minute
	maxParallelFetch = 8
	sniffBytes       = 3072
)

type S3Bucket struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *slog.Logger

	urls    *cache.Cache
	sfGroup singleflight.Group
}

func NewS3Bucket(cfg aws.Config, bucket string) *S3Bucket {
	client := s3.NewFromConfig(cfg)
	return &S3Bucket{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		logger:  slog.Default().With("module", "blobstore", "bucket", bucket),
		// signed urls are reused for half their lifetime
		urls: cache.New(signedURLTTL/2, signedURLTTL),
	}
}

func (b *S3Bucket) Upload(ctx context.Context, key string, content []byte, mediaType string) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &b.bucket,
		Key:         &key,
		Body:        bytes.NewReader(content),
		ContentType: &mediaType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}

func (b *S3Bucket) Download(ctx context.Context, key string) ([]byte, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, b.wrapErr(key, err)
	}
	defer output.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(output.Body); err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// DownloadToDirectory fetches root/name for every name into dir/name.
// Files written before a failure are removed again.
func (b *S3Bucket) DownloadToDirectory(ctx context.Context, root string, names []string, dir string) error {
	written := make([]string, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetch)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			p, err := b.fetchTo(ctx, ObjectKey(root, name), dir, name)
			written[i] = p
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, p := range written {
			if p != "" {
				os.Remove(p)
			}
		}
		return err
	}
	b.logger.Debug("downloaded", "root", root, "count", len(names))
	return nil
}

func (b *S3Bucket) fetchTo(ctx context.Context, key, dir, name string) (string, error) {
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", b.wrapErr(key, err)
	}
	defer output.Body.Close()

	f, p, err := createFile(dir, name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, output.Body); err != nil {
		return p, fmt.Errorf("failed to write %s: %w", name, err)
	}
	return p, nil
}

// ContentType returns the stored media type, sniffing the first bytes when
// the object was stored without a meaningful one.
func (b *S3Bucket) ContentType(ctx context.Context, key string) (string, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", b.wrapErr(key, err)
	}
	if ct := aws.ToString(head.ContentType); ct != "" && ct != "application/octet-stream" && ct != "binary/octet-stream" {
		return ct, nil
	}

	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    &key,
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", sniffBytes-1)),
	})
	if err != nil {
		return "", b.wrapErr(key, err)
	}
	defer output.Body.Close()
	mt, err := mimetype.DetectReader(output.Body)
	if err != nil {
		return "", fmt.Errorf("failed to detect content type of %s: %w", key, err)
	}
	return mt.String(), nil
}

func (b *S3Bucket) SignedURL(ctx context.Context, key string) (string, error) {
	if u, found := b.urls.Get(key); found {
		return u.(string), nil
	}
	res, err, _ := b.sfGroup.Do(key, func() (interface{}, error) {
		if u, found := b.urls.Get(key); found {
			return u.(string), nil
		}
		req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: &b.bucket,
			Key:    &key,
		}, s3.WithPresignExpires(signedURLTTL))
		if err != nil {
			return nil, fmt.Errorf("failed to presign %s: %w", key, err)
		}
		b.urls.SetDefault(key, req.URL)
		return req.URL, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *S3Bucket) wrapErr(key string, err error) error {
	var responseError *awshttp.ResponseError
	if errors.As(err, &responseError) && responseError.HTTPStatusCode() == 404 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Errorf("failed to fetch object %s: %w", key, err)
}
