package arcgis

import (
	"context"
	"fmt"
	"iter"

	"github.com/Sternrassler/stlco-gis-client/pkg/pagination"
)

// IterFeatures lazily yields every feature of layerID matching q. Layers that
// support pagination, or do not say, are walked by offset; the others are
// listed by object id and fetched in chunks of the page size. Metadata is
// only read once the sequence is ranged over.
func (c *Client) IterFeatures(ctx context.Context, layerID int, q Query) iter.Seq2[Feature, error] {
	return func(yield func(Feature, error) bool) {
		info, err := c.LayerInfo(ctx, layerID)
		if err != nil {
			yield(Feature{}, err)
			return
		}
		svc, err := c.ServiceInfo(ctx)
		if err != nil {
			yield(Feature{}, err)
			return
		}
		pageSize := effectivePageSize(q.PageSize, info, svc)

		var seq iter.Seq2[Feature, error]
		if !isFalse(info.SupportsPagination) {
			seq, err = c.pagedFeatures(ctx, layerID, q, pageSize)
			if err != nil {
				yield(Feature{}, err)
				return
			}
		} else {
			c.logger.Debug().Int("layer_id", layerID).Msg("Layer does not page, falling back to object ids")
			seq = c.chunkedFeatures(ctx, layerID, q, pageSize)
		}

		for f, err := range seq {
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}

func (c *Client) pagedFeatures(ctx context.Context, layerID int, q Query, pageSize int) (iter.Seq2[Feature, error], error) {
	source := pagination.PageFetcherFunc[Feature](func(ctx context.Context, offset, size int) (pagination.Page[Feature], error) {
		p, err := c.QueryPage(ctx, layerID, q, offset, size)
		if err != nil {
			return pagination.Page[Feature]{}, err
		}
		return pagination.Page[Feature]{
			Items:                 p.Features,
			Offset:                p.Offset,
			Size:                  p.PageSize,
			ExceededTransferLimit: p.ExceededTransferLimit,
		}, nil
	})

	f, err := pagination.NewFetcher[Feature](source, pagination.Config{
		PageSize: pageSize,
		MaxItems: q.MaxFeatures,
		Label:    fmt.Sprintf("layer_%d", layerID),
	})
	if err != nil {
		return nil, err
	}
	return f.All(ctx), nil
}

func (c *Client) chunkedFeatures(ctx context.Context, layerID int, q Query, pageSize int) iter.Seq2[Feature, error] {
	return func(yield func(Feature, error) bool) {
		ids, err := c.QueryObjectIDs(ctx, layerID, q)
		if err != nil {
			yield(Feature{}, err)
			return
		}

		fetch := func(ctx context.Context, chunk []int64) ([]Feature, error) {
			return c.QueryByObjectIDs(ctx, layerID, chunk, q.outFields(), q.ReturnGeometry)
		}
		for f, err := range pagination.Limit(pagination.Chunks(ctx, ids, pageSize, fetch), q.MaxFeatures) {
			if !yield(f, err) || err != nil {
				return
			}
		}
	}
}
