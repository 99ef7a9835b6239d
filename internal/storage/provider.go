// Package storage defines the blob store contract used to archive partition
// files once a worker has closed them.
package storage

import (
	"context"
	"io"
	"path"
	"strings"
)

// CSVContentType is attached to archived partition files.
const CSVContentType = "text/csv"

// Object describes a blob to upload.
type Object struct {
	Key         string
	ContentType string
	// Metadata is stored alongside the object where the backend supports it.
	Metadata map[string]string
}

// BlobStore uploads objects and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, obj Object, r io.Reader) (string, error)
}

// ObjectKey builds the archive key <prefix>/<run_id>/<file>. Empty segments
// are dropped.
func ObjectKey(prefix, runID, file string) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{prefix, runID, file} {
		if p = strings.Trim(p, "/"); p != "" {
			parts = append(parts, p)
		}
	}
	return path.Join(parts...)
}
