package controllers

import (
	"bytes"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

//go:embed templates/*.html
var templateFS embed.FS

const portalListSize = 20

// PortalController renders the html pages for humans.
type PortalController struct {
	Config    *model.Config
	Logger    *zerolog.Logger
	Store     store.DashboardStore
	Hub       *hub.Hub
	Pipeline  Builds
	templates *template.Template
}

func portalFuncs() template.FuncMap {
	funcs := sprig.FuncMap()
	funcs["deref"] = func(value *string) string { return lo.FromPtr(value) }
	funcs["since"] = func(t time.Time) string { return humanize.Time(t) }
	funcs["expires"] = func(summary model.DashboardSummary) string {
		if summary.TTL == nil {
			return "-"
		}
		return humanize.Time(summary.LastAccessedAt.Add(time.Duration(*summary.TTL) * time.Second))
	}
	return funcs
}

func NewPortalController(config *model.Config, store store.DashboardStore, hub *hub.Hub, pipeline Builds) *PortalController {
	return &PortalController{
		Config:    config,
		Logger:    logging.NewLogger(config.Log.Level, "component", "PortalController"),
		Store:     store,
		Hub:       hub,
		Pipeline:  pipeline,
		templates: template.Must(template.New("portal").Funcs(portalFuncs()).ParseFS(templateFS, "templates/*.html")),
	}
}

func (pc *PortalController) AddRoutes(router chi.Router) {
	router.Get("/", pc.Index)
	router.Get("/d/{id}", pc.Viewer)
}

// render buffers the page so template errors still produce a clean 500.
func (pc *PortalController) render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pc.templates.ExecuteTemplate(&buf, name, data); err != nil {
		pc.Logger.Error().Err(err).Str("template", name).Msg("render")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (pc *PortalController) Index(w http.ResponseWriter, r *http.Request) {
	dashboards, err := pc.Store.List(r.Context(), model.ListQuery{
		Sort:  model.SortByUpdatedAt,
		Order: model.SortDesc,
		Limit: portalListSize,
	})
	if err != nil {
		pc.Logger.Error().Err(err).Msg("Index()")
		http.Error(w, "failed to list dashboards", http.StatusInternalServerError)
		return
	}
	viewers := lo.SumBy(pc.Hub.Stats(), func(stat hub.ChannelStats) int { return stat.Subscribers })
	pc.render(w, http.StatusOK, "index.html", map[string]any{
		"Dashboards": dashboards,
		"Total":      len(dashboards),
		"Viewers":    viewers,
	})
}

func (pc *PortalController) notFound(w http.ResponseWriter, reason string) {
	pc.render(w, http.StatusNotFound, "notfound.html", map[string]any{"Reason": reason})
}

// Viewer loads the renderer of a dashboard, or a status page while it is not built.
func (pc *PortalController) Viewer(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := uuid.Parse(raw)
	if err != nil {
		pc.notFound(w, "invalid dashboard id "+raw)
		return
	}
	record, err := pc.Store.Get(r.Context(), id)
	switch {
	case errors.Is(err, model.ErrNotFound):
		pc.notFound(w, "no dashboard with id "+id.String())
		return
	case err != nil:
		pc.Logger.Error().Err(err).Str("dashboard_id", id.String()).Msg("Viewer()")
		http.Error(w, "failed to load dashboard", http.StatusInternalServerError)
		return
	}
	pc.render(w, http.StatusOK, "dashboard.html", map[string]any{
		"ID":          id.String(),
		"Title":       lo.CoalesceOrEmpty(lo.FromPtr(record.XpName), id.String()),
		"BuildStatus": record.BuildStatus,
		"BuildError":  lo.FromPtr(record.BuildError),
		"WasmReady":   pc.Pipeline.WasmExists(id),
	})
}
