// Package fetch acquires a target's raw light curve under bounded concurrency
// with retry, throttling feedback and local cache recovery.
package fetch

import (
	"context"
)

// Query narrows the archive search for a target.
type Query struct {
	Mission string
	Cadence string
}

// SegmentRef is one downloadable observation chunk of a target.
type SegmentRef struct {
	TargetID string `json:"target_id"`
	ID       string `json:"id"`
	URL      string `json:"url,omitempty"`
}

// Source resolves targets to segments and downloads them. Implementations
// return ErrNotFound for unknown targets, *StatusError for HTTP failures and
// *CacheCorruptError for payloads that arrive damaged.
type Source interface {
	Search(ctx context.Context, targetID string, q Query) ([]SegmentRef, error)
	Download(ctx context.Context, seg SegmentRef) ([]byte, error)
}
