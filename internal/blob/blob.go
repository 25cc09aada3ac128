// Package blob stores uploaded attachments on local disk or in Google
// Cloud Storage.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = errors.New("blob: object not found")

type Object struct {
	Key  string
	URL  string
	Name string
	Size int64
}

type Store interface {
	// Put stores r under a unique name derived from name inside the
	// owner's namespace.
	Put(ctx context.Context, owner int64, name, contentType string, r io.Reader) (Object, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// LocalPath reports the on-disk path of key when the backend has one.
	LocalPath(key string) (string, bool)
}
