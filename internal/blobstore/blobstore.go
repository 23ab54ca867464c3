// Package blobstore is the object-store port of the pipeline: list with
// size metadata, whole-object get/put, bulk delete. History and
// rewarded-decision objects are compressed JSONL; the codec lives here so
// every backend stores the same bytes.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for keys with no object.
var ErrNotFound = errors.New("blobstore: object not found")

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key  string
	Size int64
}

// Store is the minimal object-store surface the pipeline needs.
// List returns objects under prefix in ascending key order.
type Store interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, keys ...string) error
}
