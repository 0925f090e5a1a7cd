// Package storage abstracts the blob store that holds uploaded batch
// files and remote job results.
package storage

import "context"

// BlobStore is the contract the remote execution path depends on. Paths
// are forward-slash separated and relative to the store root.
type BlobStore interface {
	Upload(ctx context.Context, path string, data []byte) error
	Download(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Remove(ctx context.Context, paths []string) error
}
