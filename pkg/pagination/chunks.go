package pagination

import (
	"context"
	"fmt"
	"iter"
)

// Chunks lazily walks ids in slices of at most size, calling fetch once per
// slice and yielding what it returns. It is the fallback for collections that
// can be listed by id but not paged by offset.
func Chunks[ID, T any](ctx context.Context, ids []ID, size int, fetch func(ctx context.Context, chunk []ID) ([]T, error)) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if size < 1 {
			yield(zero, fmt.Errorf("%w (got %d)", ErrInvalidPageSize, size))
			return
		}

		for start := 0; start < len(ids); start += size {
			if err := ctx.Err(); err != nil {
				yield(zero, err)
				return
			}

			end := min(start+size, len(ids))
			items, err := fetch(ctx, ids[start:end])
			if err != nil {
				yield(zero, err)
				return
			}
			for _, item := range items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// Limit stops seq after n items. n <= 0 leaves seq unbounded.
func Limit[T any](seq iter.Seq2[T, error], n int) iter.Seq2[T, error] {
	if n <= 0 {
		return seq
	}
	return func(yield func(T, error) bool) {
		count := 0
		for item, err := range seq {
			if !yield(item, err) || err != nil {
				return
			}
			count++
			if count >= n {
				return
			}
		}
	}
}
