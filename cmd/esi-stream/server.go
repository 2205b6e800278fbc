package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Sternrassler/esi-pagestream/pkg/client"
	"github.com/Sternrassler/esi-pagestream/pkg/metrics"
	"github.com/Sternrassler/esi-pagestream/pkg/pagination"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/rs/zerolog"
)

// streamParams are the query parameters consumed by esi-stream itself; all
// others are forwarded to ESI.
var streamParams = []string{"batch", "limit", "page"}

type server struct {
	client *client.Client
	batch  int64
	logger zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type pageResponse struct {
	Page  int             `json:"page"`
	Total int             `json:"total"`
	Items json.RawMessage `json:"items"`
}

func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Method(http.MethodGet, "/stream/*", metrics.Instrument("stream", http.HandlerFunc(s.stream)))
	r.Method(http.MethodGet, "/pages/*", metrics.Instrument("pages", http.HandlerFunc(s.pages)))

	return r
}

func (s *server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Readiness check failed")
		renderError(w, r, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// stream writes the items of an ESI listing as NDJSON. Items are requested
// batch by batch, and the next batch only after the previous one was written,
// so a slow HTTP client slows down the page fetches.
func (s *server) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	endpoint := esiEndpoint(r)

	batch, err := intParam(r, "batch", s.batch, 1, pagination.MaxBatchSize)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(r, "limit", 0, 0, -1)
	if err != nil {
		renderError(w, r, http.StatusBadRequest, err)
		return
	}

	it := pagination.NewIterator[json.RawMessage](ctx, client.Items[json.RawMessage](s.client, endpoint), batch)
	defer it.Close()

	item, ok, err := it.Next(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Stream failed before first item")
		renderError(w, r, statusFor(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	var written int64
	for ok {
		if _, err := w.Write(append(item, '\n')); err != nil {
			s.logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Client went away")
			return
		}
		_ = rc.Flush()

		written++
		if limit > 0 && written >= limit {
			return
		}

		item, ok, err = it.Next(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("endpoint", endpoint).Int64("items", written).Msg("Stream failed")
			_ = json.NewEncoder(w).Encode(errorResponse{Error: err.Error()})
			return
		}
	}

	s.logger.Debug().Str("endpoint", endpoint).Int64("items", written).Msg("Stream completed")
}

// pages fetches every page of an ESI listing concurrently and returns them
// as one JSON array.
func (s *server) pages(w http.ResponseWriter, r *http.Request) {
	endpoint := esiEndpoint(r)

	pages, err := s.client.FetchAllPages(r.Context(), endpoint)
	if err != nil {
		s.logger.Warn().Err(err).Str("endpoint", endpoint).Int("pages", len(pages)).Msg("Fetching all pages failed")
		renderError(w, r, statusFor(err), err)
		return
	}

	out := make([]pageResponse, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageResponse{Page: p.Number, Total: p.Total, Items: p.Data})
	}
	render.JSON(w, r, out)
}

// esiEndpoint maps /stream/v1/markets/10000002/orders/?order_type=sell to the
// ESI endpoint /v1/markets/10000002/orders/?order_type=sell.
func esiEndpoint(r *http.Request) string {
	endpoint := "/" + chi.URLParam(r, "*")

	query := r.URL.Query()
	for _, p := range streamParams {
		query.Del(p)
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

// intParam parses a query parameter in [lo, hi]; hi < 0 means unbounded.
func intParam(r *http.Request, name string, def, lo, hi int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}

	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		if hi >= 0 {
			return 0, fmt.Errorf("%s must be an integer between %d and %d (got %q)", name, lo, hi, raw)
		}
		return 0, fmt.Errorf("%s must be an integer >= %d (got %q)", name, lo, raw)
	}
	return v, nil
}

// statusFor maps a stream error to the status returned to the HTTP client.
// ESI client errors are passed through.
func statusFor(err error) int {
	if status, ok := client.ClientStatus(err); ok {
		return status
	}
	switch {
	case errors.Is(err, client.ErrRequestBlocked):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func renderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}
