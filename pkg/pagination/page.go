package pagination

import "context"

// Page is one bounded batch of items returned by a PageFetcher.
type Page[T any] struct {
	Items []T

	// Offset is the cursor position the page was requested at.
	Offset int

	// Size is the page size the request asked for after any server cap.
	// Zero means the configured page size.
	Size int

	// ExceededTransferLimit is the server's more-records flag. Nil when the
	// response did not carry one.
	ExceededTransferLimit *bool
}

// PageFetcher fetches a single page of a remote collection.
type PageFetcher[T any] interface {
	FetchPage(ctx context.Context, offset, size int) (Page[T], error)
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc[T any] func(ctx context.Context, offset, size int) (Page[T], error)

// FetchPage calls f.
func (f PageFetcherFunc[T]) FetchPage(ctx context.Context, offset, size int) (Page[T], error) {
	return f(ctx, offset, size)
}

// Signal describes a fetched page to an Exhaustion policy.
type Signal struct {
	Returned  int
	Requested int
	More      *bool
}

// Exhaustion reports whether the page described by s is the last one.
type Exhaustion func(s Signal) bool

// StopAuto is the default policy. An empty page always ends the walk. When
// the server sent a more-records flag it decides; otherwise a page shorter
// than requested ends the walk.
func StopAuto(s Signal) bool {
	if s.Returned == 0 {
		return true
	}
	if s.More != nil {
		return !*s.More
	}
	return s.Returned < s.Requested
}

// StopOnShortPage ignores the more-records flag and stops on the first page
// shorter than requested.
func StopOnShortPage(s Signal) bool {
	return s.Returned == 0 || s.Returned < s.Requested
}

// StopOnTransferLimit trusts only the more-records flag. A missing flag
// counts as no more records.
func StopOnTransferLimit(s Signal) bool {
	return s.Returned == 0 || s.More == nil || !*s.More
}

// Bool returns a pointer to b, for building pages in sources and tests.
func Bool(b bool) *bool {
	return &b
}
