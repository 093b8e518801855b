package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/stlco-gis-client/pkg/arcgis"
	"github.com/Sternrassler/stlco-gis-client/pkg/metrics"
	"github.com/Sternrassler/stlco-gis-client/pkg/opendata"
)

func newServeCmd(a *app) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve layers, features and parcel bundles over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := a.open()
			if err != nil {
				return err
			}
			defer c.Close()

			srv := &http.Server{
				Addr:              listen,
				Handler:           newServer(c, a.logger).routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", listen).Str("base_url", a.settings.BaseURL).Msg("Starting open data server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			a.logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to listen on")
	return cmd
}

type server struct {
	client *opendata.Client
	logger zerolog.Logger
}

func newServer(c *opendata.Client, logger zerolog.Logger) *server {
	return &server{client: c, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /layers", s.layersHandler)
	mux.HandleFunc("GET /layers/{id}/features", s.featuresHandler)
	mux.HandleFunc("GET /parcels/{number}", s.parcelHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *server) layersHandler(w http.ResponseWriter, r *http.Request) {
	catalog, err := s.client.LayerCatalog(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	layers := make([]*arcgis.LayerInfo, 0, len(catalog))
	for _, id := range arcgis.SortedLayerIDs(catalog) {
		layers = append(layers, catalog[id])
	}
	respondJSON(w, http.StatusOK, layers)
}

// featuresHandler streams a layer as NDJSON. Pages are pulled only as fast
// as the response is written; a client disconnect cancels the iteration.
func (s *server) featuresHandler(w http.ResponseWriter, r *http.Request) {
	lid, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || lid < 0 {
		respondError(w, http.StatusBadRequest, "layer id must be a non-negative integer")
		return
	}

	q := r.URL.Query()
	opts := opendata.PageOptions{
		Where:          q.Get("where"),
		OutFields:      q.Get("outFields"),
		ReturnGeometry: q.Get("returnGeometry") == "true",
	}
	if opts.PageSize, err = intParam(q.Get("pageSize")); err != nil {
		respondError(w, http.StatusBadRequest, "pageSize: "+err.Error())
		return
	}
	if opts.MaxFeatures, err = intParam(q.Get("maxFeatures")); err != nil {
		respondError(w, http.StatusBadRequest, "maxFeatures: "+err.Error())
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	n := 0
	for f, err := range s.client.IterAll(r.Context(), lid, opts) {
		if err != nil {
			if n == 0 {
				s.fail(w, r, err)
				return
			}
			// Headers are gone; the last line carries the error.
			s.logger.Warn().Err(err).Int("layer_id", lid).Int("features", n).Msg("Feature stream failed")
			_ = enc.Encode(map[string]string{"error": err.Error()})
			return
		}
		if n == 0 {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
		if err := enc.Encode(f); err != nil {
			return
		}
		n++
		if flusher != nil {
			flusher.Flush()
		}
	}
	if n == 0 {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *server) parcelHandler(w http.ResponseWriter, r *http.Request) {
	opts := opendata.DefaultBundleOptions()
	q := r.URL.Query()
	if q.Get("spatial") == "false" {
		opts.IncludeSpatialIntersects = false
	}
	if q.Get("geometries") == "true" {
		opts.ReturnGeometries = true
	}
	var err error
	if opts.MaxFeaturesPerLayer, err = intParam(q.Get("maxPerLayer")); err != nil {
		respondError(w, http.StatusBadRequest, "maxPerLayer: "+err.Error())
		return
	}

	b, err := s.client.ParcelBundle(r.Context(), r.PathValue("number"), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// fail maps a client error to a status: unknown parcels and layers are 404,
// everything the upstream service got wrong is 502.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, opendata.ErrNotFound), errors.Is(err, opendata.ErrLayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return
	}
	s.logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("Request failed")
	respondError(w, status, err.Error())
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return n, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
