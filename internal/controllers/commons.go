package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
)

type CommonResponse struct {
	Body string `json:"body"`
}

type DashboardIDInput struct {
	ID string `path:"id" doc:"Dashboard id (uuid)"`
}

func parseDashboardID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, huma.Error400BadRequest("invalid dashboard id " + id)
	}
	return parsed, nil
}

// apiError maps the error taxonomy onto http problems.
func apiError(err error) error {
	var failed *model.BuildFailedError
	switch {
	case errors.Is(err, model.ErrNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, model.ErrConflict):
		return huma.Error400BadRequest(err.Error())
	case errors.Is(err, model.ErrToolchainUnavailable):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.As(err, &failed):
		return huma.Error500InternalServerError(failed.Error())
	default:
		return huma.Error500InternalServerError(err.Error())
	}
}

// RequestLogger logs one line per http request.
func RequestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			elapsed := utils.ElapsedFunc()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("elapsed", elapsed().Round(time.Microsecond).String()).
				Msg("request")
		})
	}
}
