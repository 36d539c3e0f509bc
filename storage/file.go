// storage/file.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// file stores each object as a regular file below root, with the object
// key as its relative path. Writes go to a temporary file first and are
// renamed into place so a crashed run never leaves a torn object behind.
type file struct {
	root string
}

// NewFile returns a Backend rooted at the given directory, creating it if
// needed.
func NewFile(root string) (Backend, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	stat, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("%s: is a regular file", root)
	}
	return &file{root: root}, nil
}

func (f *file) String() string {
	return "file: " + f.root
}

func (f *file) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

// mapWriteErr translates out-of-space conditions into ErrCapacity so they
// escalate instead of being retried.
func mapWriteErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%v: %w", err, ErrCapacity)
	}
	return err
}

func (f *file) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := f.path(key)
	if _, err := os.Stat(path); err == nil {
		// Write-once: the object is already there.
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return mapWriteErr(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return mapWriteErr(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return mapWriteErr(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return mapWriteErr(err)
	}
	if err := tmp.Close(); err != nil {
		return mapWriteErr(err)
	}
	return mapWriteErr(os.Rename(tmp.Name(), path))
}

func (f *file) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return data, err
}

func (f *file) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

func (f *file) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasPrefix(d.Name(), ".tmp-") {
			keys = append(keys, key)
		}
		return nil
	})
	return keys, err
}

func (f *file) Size(ctx context.Context, key string) (int64, error) {
	stat, err := os.Stat(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
