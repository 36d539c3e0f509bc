// storage/gcs.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// GCSOptions selects the bucket objects are stored in.
type GCSOptions struct {
	BucketName string
	ProjectID  string
	// Optional. Will use "us-central1" if not specified.
	Location string
}

// gcsBackend implements Backend on Google Cloud Storage.
type gcsBackend struct {
	client *gcs.Client
	bucket *gcs.BucketHandle
	name   string
}

// NewGCS returns a Backend storing objects in the named GCS bucket,
// creating the bucket if it doesn't exist.
func NewGCS(ctx context.Context, options GCSOptions) (Backend, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	g := &gcsBackend{
		client: client,
		bucket: client.Bucket(options.BucketName),
		name:   options.BucketName,
	}

	if _, err := g.bucket.Attrs(ctx); errors.Is(err, gcs.ErrBucketNotExist) {
		loc := options.Location
		if loc == "" {
			loc = "us-central1"
		}
		if options.ProjectID == "" {
			return nil, fmt.Errorf("%s: bucket missing and no project id to create it",
				options.BucketName)
		}
		if err := g.bucket.Create(ctx, options.ProjectID,
			&gcs.BucketAttrs{Location: loc}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return g, nil
}

func (g *gcsBackend) String() string {
	return "gs://" + g.name
}

func mapGCSErr(key string, err error) error {
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

func (g *gcsBackend) Put(ctx context.Context, key string, data []byte) error {
	// Write-once: grabbing the attrs is much cheaper than uploading the
	// whole payload before catching an "already exists" precondition error
	// on Close.
	if _, err := g.bucket.Object(key).Attrs(ctx); err == nil {
		return nil
	}

	w := g.bucket.Object(key).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil && !lostPutRace(err) {
		return err
	}
	return nil
}

// lostPutRace reports whether a conditional upload failed only because a
// concurrent writer created the object first. Objects are keyed by their
// content checksum, so the bytes already stored are the bytes we carried.
func lostPutRace(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}

func (g *gcsBackend) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapGCSErr(key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, mapGCSErr(key, err)
	}
	return data, nil
}

func (g *gcsBackend) Delete(ctx context.Context, key string) error {
	return mapGCSErr(key, g.bucket.Object(key).Delete(ctx))
}

func (g *gcsBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	for {
		obj, err := it.Next()
		if err == iterator.Done {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, obj.Name)
	}
}

func (g *gcsBackend) Size(ctx context.Context, key string) (int64, error) {
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return 0, mapGCSErr(key, err)
	}
	return attrs.Size, nil
}
