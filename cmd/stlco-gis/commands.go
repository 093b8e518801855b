package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/stlco-gis-client/pkg/arcgis"
	"github.com/Sternrassler/stlco-gis-client/pkg/opendata"
)

func newLayersCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "layers",
		Short: "List the layers and tables of the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			catalog, err := c.LayerCatalog(cmd.Context())
			if err != nil {
				return err
			}
			ids := arcgis.SortedLayerIDs(catalog)

			if asJSON {
				layers := make([]*arcgis.LayerInfo, 0, len(ids))
				for _, id := range ids {
					layers = append(layers, catalog[id])
				}
				return writeJSON(cmd.OutOrStdout(), layers)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tGEOMETRY\tFIELDS")
			for _, id := range ids {
				l := catalog[id]
				geom := l.GeometryType
				if geom == "" {
					geom = "-"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", l.ID, l.Name, geom, len(l.Fields))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full layer metadata as JSON")
	return cmd
}

func addPageFlags(cmd *cobra.Command, opts *opendata.PageOptions) {
	cmd.Flags().StringVar(&opts.Where, "where", arcgis.DefaultWhere, "where clause, forwarded verbatim")
	cmd.Flags().StringVar(&opts.OutFields, "out-fields", arcgis.DefaultOutFields, "comma separated attribute names")
	cmd.Flags().BoolVar(&opts.ReturnGeometry, "geometry", false, "include feature geometries")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "features per request (0 uses the configured default)")
}

func newFirstPageCmd(a *app) *cobra.Command {
	var opts opendata.PageOptions

	cmd := &cobra.Command{
		Use:   "first-page <layer>",
		Short: "Print the first page of a layer as JSON",
		Long:  "Print the first page of a layer as JSON. <layer> is a numeric id or a fragment of the layer name.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			lid, err := resolveLayer(cmd.Context(), c, args[0])
			if err != nil {
				return err
			}
			page, err := c.FirstPage(cmd.Context(), lid, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), page)
		},
	}
	addPageFlags(cmd, &opts)
	return cmd
}

func newIterCmd(a *app) *cobra.Command {
	var opts opendata.PageOptions

	cmd := &cobra.Command{
		Use:   "iter <layer>",
		Short: "Stream every matching feature of a layer as NDJSON",
		Long:  "Stream every matching feature of a layer as one JSON object per line. Interrupting stops after the current page.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			lid, err := resolveLayer(ctx, c, args[0])
			if err != nil {
				return err
			}

			out := bufio.NewWriter(cmd.OutOrStdout())
			defer out.Flush()
			enc := json.NewEncoder(out)

			n := 0
			for f, err := range c.IterAll(ctx, lid, opts) {
				if err != nil {
					out.Flush()
					return fmt.Errorf("layer %d after %d features: %w", lid, n, err)
				}
				if err := enc.Encode(f); err != nil {
					return err
				}
				n++
			}
			a.logger.Info().Int("layer_id", lid).Int("features", n).Msg("Iteration finished")
			return nil
		},
	}
	addPageFlags(cmd, &opts)
	cmd.Flags().IntVar(&opts.MaxFeatures, "max-features", 0, "stop after this many features (0 is unbounded)")
	return cmd
}

func addBundleFlags(cmd *cobra.Command, opts *opendata.BundleOptions) {
	cmd.Flags().BoolVar(&opts.IncludeAttributeJoins, "attribute-joins", true, "match layers by parcel number columns")
	cmd.Flags().BoolVar(&opts.IncludeSpatialIntersects, "spatial", true, "match layers by intersecting the primary geometry")
	cmd.Flags().IntVar(&opts.MaxFeaturesPerLayer, "max-per-layer", 0, "cap on features per matched layer (0 is unbounded)")
	cmd.Flags().BoolVar(&opts.ReturnGeometries, "geometries", false, "include geometries of matched features")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 0, "parallel layer queries (0 uses the configured value)")
}

func newParcelCmd(a *app) *cobra.Command {
	opts := opendata.DefaultBundleOptions()

	cmd := &cobra.Command{
		Use:   "parcel <parcel-number>",
		Short: "Print everything linked to a parcel as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			b, err := c.ParcelBundle(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), b)
		},
	}
	addBundleFlags(cmd, &opts)
	return cmd
}

func newAddressCmd(a *app) *cobra.Command {
	opts := opendata.DefaultAddressOptions()
	var oid int64

	cmd := &cobra.Command{
		Use:   "address [full address]",
		Short: "Print everything linked to an address point as JSON",
		Long:  "Print everything linked to an address point as JSON. Give either --oid or the full address.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var lookup opendata.AddressLookup
			if cmd.Flags().Changed("oid") {
				lookup.ObjectID = &oid
			} else if len(args) == 1 {
				lookup.FullAddress = args[0]
			} else {
				return opendata.ErrInvalidLookup
			}

			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			b, err := c.AddressBundle(cmd.Context(), lookup, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), b)
		},
	}
	addBundleFlags(cmd, &opts.BundleOptions)
	cmd.Flags().Int64Var(&oid, "oid", 0, "address point object id")
	cmd.Flags().BoolVar(&opts.SelectFirstIfMultiple, "first", true, "pick the first of several matching address points")
	cmd.Flags().BoolVar(&opts.FetchLinkedParcel, "linked-parcel", true, "also build the bundle of the address's parcel")
	return cmd
}
