package pagination

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
)

// Prometheus metrics for paginated iteration.
var (
	pagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_pages_fetched_total",
		Help: "Total pages fetched by paginated iterations, by source",
	}, []string{"layer"})

	itemsYieldedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arcgis_features_yielded_total",
		Help: "Total items yielded to consumers by paginated iterations, by source",
	}, []string{"layer"})
)

var (
	// ErrInvalidPageSize is returned for a page size below 1.
	ErrInvalidPageSize = errors.New("page size must be >= 1")

	// ErrNilSource is returned when no PageFetcher is given.
	ErrNilSource = errors.New("page source is required")
)

// Config holds fetcher configuration.
type Config struct {
	// PageSize is the number of items requested per page.
	PageSize int

	// MaxItems stops the iteration after this many items. 0 means unbounded.
	MaxItems int

	// Exhaustion decides when a page is the last one. Nil means StopAuto.
	Exhaustion Exhaustion

	// Label identifies the source in metrics, logs and spans, e.g. "layer_3".
	Label string
}

// DefaultConfig returns the configuration used by the open data client.
func DefaultConfig() Config {
	return Config{
		PageSize:   200,
		Exhaustion: StopAuto,
	}
}

// Fetcher turns a PageFetcher into a lazy sequence.
// A Fetcher holds no iteration state and is safe for concurrent use; each
// call to All or Pages owns its own cursor.
type Fetcher[T any] struct {
	source PageFetcher[T]
	config Config
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewFetcher creates a fetcher over source.
func NewFetcher[T any](source PageFetcher[T], cfg Config) (*Fetcher[T], error) {
	if source == nil {
		return nil, ErrNilSource
	}
	if cfg.PageSize < 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidPageSize, cfg.PageSize)
	}
	if cfg.MaxItems < 0 {
		return nil, fmt.Errorf("max items must be >= 0 (got %d)", cfg.MaxItems)
	}
	if cfg.Exhaustion == nil {
		cfg.Exhaustion = StopAuto
	}
	if cfg.Label == "" {
		cfg.Label = "default"
	}

	return &Fetcher[T]{
		source: source,
		config: cfg,
		logger: logging.NewLogger("pagination").With().Str("source", cfg.Label).Logger(),
		tracer: otel.Tracer("stlco-gis/pagination"),
	}, nil
}

// Pages returns the sequence of pages. The last page may be truncated to
// honour MaxItems. Iteration stops after the first error.
func (f *Fetcher[T]) Pages(ctx context.Context) iter.Seq2[Page[T], error] {
	return func(yield func(Page[T], error) bool) {
		start := time.Now()
		cur := &cursor{}
		emitted := 0

		for !cur.done() {
			if err := ctx.Err(); err != nil {
				cur.fail()
				yield(Page[T]{}, err)
				return
			}

			page, err := f.fetch(ctx, cur.offset)
			if err != nil {
				cur.fail()
				f.logger.Debug().
					Err(err).
					Int("offset", cur.offset).
					Int("requests", cur.requests+1).
					Msg("Page request failed, ending iteration")
				yield(Page[T]{}, err)
				return
			}

			sig := Signal{
				Returned:  len(page.Items),
				Requested: page.Size,
				More:      page.ExceededTransferLimit,
			}
			cur.advance(sig, f.config.Exhaustion(sig))

			if f.config.MaxItems > 0 {
				if remaining := f.config.MaxItems - emitted; len(page.Items) >= remaining {
					page.Items = page.Items[:remaining]
					cur.state = stateExhausted
				}
			}
			emitted += len(page.Items)

			f.logger.Debug().
				Int("offset", page.Offset).
				Int("returned", sig.Returned).
				Int("requested", sig.Requested).
				Str("cursor", cur.state.String()).
				Msg("Fetched page")

			if !yield(page, nil) {
				return
			}
		}

		f.logger.Info().
			Int("requests", cur.requests).
			Int("items", emitted).
			Dur("duration", time.Since(start)).
			Msg("Iteration complete")
	}
}

// All returns the sequence of items across every page. On failure it yields
// the items of the pages fetched so far, then one (zero, err) pair.
func (f *Fetcher[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for page, err := range f.Pages(ctx) {
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				itemsYieldedTotal.WithLabelValues(f.config.Label).Inc()
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

func (f *Fetcher[T]) fetch(ctx context.Context, offset int) (Page[T], error) {
	ctx, span := f.tracer.Start(ctx, "Pagination.FetchPage",
		trace.WithAttributes(
			attribute.String("source", f.config.Label),
			attribute.Int("page.offset", offset),
			attribute.Int("page.size", f.config.PageSize),
		),
	)
	defer span.End()

	page, err := f.source.FetchPage(ctx, offset, f.config.PageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Page[T]{}, err
	}

	pagesFetchedTotal.WithLabelValues(f.config.Label).Inc()
	page.Offset = offset
	if page.Size <= 0 {
		page.Size = f.config.PageSize
	}
	span.SetAttributes(attribute.Int("page.returned", len(page.Items)))
	return page, nil
}

// Collect drains seq into a slice. It returns the items read before the
// first error together with that error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}
