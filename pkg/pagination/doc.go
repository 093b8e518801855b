// Package pagination walks an offset-paged remote collection as a lazy,
// restartable sequence.
//
// A Fetcher requests one page at a time from a PageFetcher and yields its
// items through an iter.Seq2. Nothing is requested until the sequence is
// ranged over, and every range starts a fresh cursor at offset 0:
//
//	f, err := pagination.NewFetcher(source, pagination.Config{PageSize: 200})
//	if err != nil {
//		return err
//	}
//	for feature, err := range f.All(ctx) {
//		if err != nil {
//			return err
//		}
//		handle(feature)
//	}
//
// The cursor lifecycle is not-started, advancing, then exhausted or failed.
// Whether a page is the last one is decided by an Exhaustion policy; StopAuto
// prefers the server's more-records flag and falls back to comparing the
// page length with the requested size.
//
// A failed page request ends the sequence with a single error after the
// items of earlier pages. The fetcher never retries and never caches pages;
// retry belongs to the HTTP transport.
package pagination
