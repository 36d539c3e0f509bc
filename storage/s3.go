// storage/s3.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"
)

// S3Options carries everything needed to reach one bucket. There is lower
// chance of an ordering mistake with named parameters than a long
// positional list.
type S3Options struct {
	// Remote is the endpoint; empty means AWS itself.
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// UploadAttempts configures the SDK-internal request retries, distinct
	// from the outer per-object retry loop in NewRetrying.
	UploadAttempts int
}

// s3Backend implements Backend on any S3-compatible object store.
type s3Backend struct {
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
}

// Parameters of the http connection are tuned for object stores reached
// over fast networks; these are the settings AWS recommends inside their
// own environment.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: 5 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   10,
		ExpectContinueTimeout: 1 * time.Second,
	}
	http2.ConfigureTransport(tr)
	return &http.Client{Transport: tr}
}

// NewS3 returns a Backend backed by an S3 bucket, creating the bucket if
// it does not exist yet.
func NewS3(o S3Options) (Backend, error) {
	if o.UploadAttempts < 1 {
		o.UploadAttempts = 1
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		MaxRetries:       aws.Int(o.UploadAttempts - 1),
		HTTPClient:       newHTTPClient(),
	})
	if err != nil {
		return nil, err
	}

	b := &s3Backend{
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     o.Bucket,
	}
	// Blocks are small; multipart transfers only add request overhead.
	b.uploader.Concurrency = 1
	b.downloader.Concurrency = 1

	return b, b.makeBucketExist()
}

func (b *s3Backend) String() string {
	return "s3://" + b.bucket
}

// Check whether the bucket exists and if not, create it and wait until it
// appears.
func (b *s3Backend) makeBucketExist() error {
	_, err := b.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(b.bucket)})
	if err != nil {
		_, err = b.client.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(b.bucket)})
		if err == nil {
			err = b.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(b.bucket)})
		}
	}
	return err
}

func mapS3Err(key string, err error) error {
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return fmt.Errorf("%s: %w", key, ErrNotFound)
		case "QuotaExceeded", "EntityTooLarge":
			return fmt.Errorf("%s: %v: %w", key, err, ErrCapacity)
		}
	}
	return err
}

func (b *s3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return mapS3Err(key, err)
}

func (b *s3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer(nil)
	_, err := b.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Err(key, err)
	}
	return buf.Bytes(), nil
}

func (b *s3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return mapS3Err(key, err)
}

func (b *s3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			keys = append(keys, aws.StringValue(o.Key))
		}
		return true
	})
	return keys, err
}

func (b *s3Backend) Size(ctx context.Context, key string) (int64, error) {
	head, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, mapS3Err(key, err)
	}
	return aws.Int64Value(head.ContentLength), nil
}
