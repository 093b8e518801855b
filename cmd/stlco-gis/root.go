package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/stlco-gis-client/pkg/config"
	"github.com/Sternrassler/stlco-gis-client/pkg/logging"
	"github.com/Sternrassler/stlco-gis-client/pkg/opendata"
	"github.com/Sternrassler/stlco-gis-client/pkg/telemetry"
)

// app carries what every subcommand needs once the root has loaded settings.
type app struct {
	settings config.Settings
	logger   zerolog.Logger
	shutdown func(context.Context) error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "stlco-gis",
		Short: "Query the St. Louis County Open_Data ArcGIS MapServer",
		Long: `stlco-gis reads the St. Louis County (MN) Open_Data MapServer.

Every setting can be given as a flag or as an environment variable with the
STLCO_GIS_ prefix, e.g. STLCO_GIS_BASE_URL or STLCO_GIS_REDIS_ADDR.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(cmd)
			if err != nil {
				return err
			}
			lc := s.Logging()
			lc.Output = cmd.ErrOrStderr()
			logging.Setup(lc)

			a.settings = s
			a.logger = logging.NewLogger("cli")

			a.shutdown, err = telemetry.InitTracing(cmd.Context(), s, a.logger)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.shutdown == nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.shutdown(ctx)
		},
	}
	config.AddFlags(root)

	root.AddCommand(
		newLayersCmd(a),
		newFirstPageCmd(a),
		newIterCmd(a),
		newParcelCmd(a),
		newAddressCmd(a),
		newServeCmd(a),
	)
	return root
}

// open starts a session with the loaded settings.
func (a *app) open() (*opendata.Client, error) {
	c, err := opendata.New(a.settings)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return c, nil
}

// resolveLayer accepts a numeric layer id or a case-insensitive name fragment.
func resolveLayer(ctx context.Context, c *opendata.Client, arg string) (int, error) {
	if id, err := strconv.Atoi(arg); err == nil {
		return id, nil
	}
	return c.FindLayerIDByNameContains(ctx, arg)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
