// Package httpapi serves the dashboard and the order write surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"orderlens/internal/feed"
	"orderlens/internal/logger"
	"orderlens/internal/metrics"
	"orderlens/internal/model"
	"orderlens/internal/store"
)

// UserHeader optionally carries the caller's identity. It is only recorded in logs.
const UserHeader = "X-User-ID"

type Orders interface {
	List() ([]model.RawOrder, error)
	Create(ctx context.Context, form model.OrderFormData) (string, error)
	Update(ctx context.Context, id string, form model.OrderFormData) error
	Delete(ctx context.Context, id string) error
}

type Dashboards interface {
	Latest() (feed.Update, bool)
}

type api struct {
	orders Orders
	dash   Dashboards
	log    zerolog.Logger
}

// NewRouter mounts every route. reg may be nil, in which case /metrics is not served.
func NewRouter(orders Orders, dash Dashboards, reg *metrics.Registry, log zerolog.Logger) http.Handler {
	a := &api{orders: orders, dash: dash, log: log.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(withUser)
	r.Use(a.accessLog(reg))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/dashboard", a.view(func(u feed.Update) any { return u.Dashboard }))
		r.Get("/analytics", a.view(func(u feed.Update) any { return u.Dashboard.Analytics }))
		r.Get("/recommendations", a.view(func(u feed.Update) any { return u.Dashboard.Recommendations }))
		r.Get("/products", a.view(func(u feed.Update) any { return u.Dashboard.Products }))

		r.Get("/orders", a.listOrders)
		r.Post("/orders", a.createOrder)
		r.Put("/orders/{id}", a.updateOrder)
		r.Delete("/orders/{id}", a.deleteOrder)
	})
	return r
}

func withUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(UserHeader); id != "" {
			r = r.WithContext(logger.WithUser(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (a *api) accessLog(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = "unmatched"
			}
			if reg != nil {
				reg.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
			}
			logger.C(r.Context(), a.log).Debug().
				Str("method", r.Method).
				Str("route", route).
				Int("status", ww.Status()).
				Str("request_id", chimw.GetReqID(r.Context())).
				Dur("took", time.Since(start)).
				Msg("request")
		})
	}
}

type viewResponse struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Stale       bool      `json:"stale"`
	Data        any       `json:"data"`
}

// view serves one projection of the latest dashboard, or 503 before the first one exists.
func (a *api) view(pick func(feed.Update) any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		u, ok := a.dash.Latest()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "dashboard not computed yet")
			return
		}
		writeJSON(w, http.StatusOK, viewResponse{
			GeneratedAt: u.Dashboard.GeneratedAt,
			Stale:       u.Stale,
			Data:        pick(u),
		})
	}
}

func (a *api) listOrders(w http.ResponseWriter, _ *http.Request) {
	orders, err := a.orders.List()
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func decodeForm(w http.ResponseWriter, r *http.Request) (model.OrderFormData, error) {
	var form model.OrderFormData
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&form); err != nil {
		return form, err
	}
	return form, nil
}

func (a *api) createOrder(w http.ResponseWriter, r *http.Request) {
	form, err := decodeForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed order form: "+err.Error())
		return
	}
	id, err := a.orders.Create(r.Context(), form)
	if err != nil {
		a.fail(w, err)
		return
	}
	logger.C(r.Context(), a.log).Info().Str("id", id).Msg("order created")
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *api) updateOrder(w http.ResponseWriter, r *http.Request) {
	form, err := decodeForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed order form: "+err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := a.orders.Update(r.Context(), id, form); err != nil {
		a.fail(w, err)
		return
	}
	logger.C(r.Context(), a.log).Info().Str("id", id).Msg("order updated")
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) deleteOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.orders.Delete(r.Context(), id); err != nil {
		a.fail(w, err)
		return
	}
	logger.C(r.Context(), a.log).Info().Str("id", id).Msg("order deleted")
	w.WriteHeader(http.StatusNoContent)
}

// fail maps store errors onto status codes.
func (a *api) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidForm):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		a.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve runs an HTTP server for h on addr until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler, readTimeout, writeTimeout time.Duration, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
