package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/internal/utils"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Builds is the part of the build pipeline the api triggers and inspects.
type Builds interface {
	Submit(id uuid.UUID, document []byte) error
	Recompile(ctx context.Context, id uuid.UUID) error
	WasmExists(id uuid.UUID) bool
	IsCompiling(id uuid.UUID) bool
	DeleteArtifact(id uuid.UUID)
}

type DashboardController struct {
	Path     string
	Api      *huma.API
	Config   *model.Config
	Logger   *zerolog.Logger
	Store    store.DashboardStore
	Hub      *hub.Hub
	Pipeline Builds
}

// DashboardRequest is the body of create and replace. Unknown fields are ignored.
type DashboardRequest struct {
	_         struct{}        `additionalProperties:"true"`
	XpName    *string         `json:"xp_name,omitempty" nullable:"true" doc:"Experiment name"`
	User      *string         `json:"user,omitempty" nullable:"true"`
	Tags      []string        `json:"tags,omitempty"`
	Permanent *bool           `json:"permanent,omitempty" nullable:"true" doc:"Never expires, excludes ttl"`
	TTL       *int64          `json:"ttl,omitempty" nullable:"true" doc:"Seconds after last access before the dashboard expires"`
	Document  json.RawMessage `json:"document" doc:"Dashboard document, stored as is"`
}

type DashboardBodyInput struct {
	Body DashboardRequest
}

type DashboardIDBodyInput struct {
	ID   string `path:"id" doc:"Dashboard id (uuid)"`
	Body DashboardRequest
}

type MetaUpdateInput struct {
	ID   string `path:"id" doc:"Dashboard id (uuid)"`
	Body model.MetaUpdate
}

type PushUpdateInput struct {
	ID   string          `path:"id" doc:"Dashboard id (uuid)"`
	Body json.RawMessage `doc:"Update command tagged by type"`
}

type Dashboard struct {
	Body *model.DashboardRecord
}

type Dashboards struct {
	Body []model.DashboardSummary
}

type ListDashboardsInput struct {
	XpName    string `query:"xp_name" doc:"Only dashboards of this experiment"`
	User      string `query:"user" doc:"Only dashboards of this user"`
	Tag       string `query:"tag" doc:"Only dashboards carrying this tag"`
	Permanent string `query:"permanent" enum:"true,false" doc:"Only permanent or only temporary dashboards"`
	Sort      string `query:"sort" default:"updated_at" enum:"created_at,updated_at,last_accessed_at"`
	Order     string `query:"order" default:"desc" enum:"asc,desc"`
	Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"1000"`
	Offset    int    `query:"offset" default:"0" minimum:"0"`
}

func (in *ListDashboardsInput) query() model.ListQuery {
	query := model.ListQuery{
		Sort:   model.SortField(in.Sort),
		Order:  model.SortOrder(in.Order),
		Limit:  in.Limit,
		Offset: in.Offset,
	}
	if in.XpName != "" {
		query.XpName = lo.ToPtr(in.XpName)
	}
	if in.User != "" {
		query.User = lo.ToPtr(in.User)
	}
	if in.Tag != "" {
		query.Tag = lo.ToPtr(in.Tag)
	}
	if in.Permanent != "" {
		query.Permanent = lo.ToPtr(utils.ToBool(in.Permanent))
	}
	return query
}

type PushUpdateResult struct {
	Body struct {
		Seq  uint64                  `json:"seq" doc:"Sequence number assigned by the hub"`
		Type model.ServerMessageType `json:"type"`
	}
}

type BuildStatusResult struct {
	Body struct {
		Status    model.BuildStatus `json:"status" enum:"pending,building,ready,failed"`
		Error     *string           `json:"error"`
		WasmReady bool              `json:"wasm_ready"`
	}
}

type RecompileResult struct {
	Body struct {
		Status string `json:"status" enum:"started,already_building"`
	}
}

func NewDashboardController(api *huma.API, config *model.Config, store store.DashboardStore, hub *hub.Hub, pipeline Builds) *DashboardController {
	return &DashboardController{
		Path:     "/dashboards",
		Api:      api,
		Config:   config,
		Logger:   logging.NewLogger(config.Log.Level, "component", "DashboardController"),
		Store:    store,
		Hub:      hub,
		Pipeline: pipeline,
	}
}

func (dc *DashboardController) AddRoutes() {
	{
		op, handler := dc.Create()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.List()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Get()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Replace()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Patch()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Delete()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Touch()
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.PushUpdate()
		huma.Register(*dc.Api, op, handler)
	}
	for _, path := range []string{"/build-status", "/wasm-status"} {
		op, handler := dc.GetBuildStatus(path)
		huma.Register(*dc.Api, op, handler)
	}
	{
		op, handler := dc.Recompile()
		huma.Register(*dc.Api, op, handler)
	}
}

// submit starts a background build. A build already running for id is left alone.
func (dc *DashboardController) submit(record *model.DashboardRecord) {
	err := dc.Pipeline.Submit(record.ID, record.Document)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrAlreadyInProgress):
		dc.Logger.Info().Str("dashboard_id", record.ID.String()).Msg("build running, the replaced document is built after it")
	default:
		dc.Logger.Error().Err(err).Str("dashboard_id", record.ID.String()).Msg("submit build")
	}
}

func (dc *DashboardController) Create() (huma.Operation, func(ctx context.Context, input *DashboardBodyInput) (*Dashboard, error)) {
	return huma.Operation{
			OperationID:   "CreateDashboard",
			Method:        http.MethodPost,
			Path:          dc.Path,
			Summary:       "Create a dashboard",
			Description:   "Stores a new dashboard and starts compiling its renderer in the background. Without ttl and permanent the default ttl applies.",
			Tags:          []string{"V1/Dashboards"},
			DefaultStatus: http.StatusCreated,
			Responses: map[string]*huma.Response{
				"201": {Description: "The created dashboard"},
				"400": {Description: "Invalid document or metadata"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardBodyInput) (*Dashboard, error) {
			req := input.Body
			record, err := model.NewDashboardRecord(req.Document, lo.FromPtr(req.Permanent), req.TTL, dc.Config.Lifecycle.DefaultTTL)
			if err != nil {
				return nil, apiError(err)
			}
			record.XpName = req.XpName
			record.User = req.User
			record.Tags = lo.Uniq(req.Tags)
			created, err := dc.Store.Create(ctx, record)
			if err != nil {
				return nil, apiError(err)
			}
			dc.Logger.Info().Str("dashboard_id", created.ID.String()).Msg("Create() OK")
			dc.submit(created)
			return &Dashboard{Body: created}, nil
		}
}

func (dc *DashboardController) List() (huma.Operation, func(ctx context.Context, input *ListDashboardsInput) (*Dashboards, error)) {
	return huma.Operation{
			OperationID: "ListDashboards",
			Method:      http.MethodGet,
			Path:        dc.Path,
			Summary:     "List dashboards",
			Description: "Returns dashboard summaries without documents, filtered and sorted.",
			Tags:        []string{"V1/Dashboards"},
			Responses: map[string]*huma.Response{
				"200": {Description: "Dashboard summaries"},
				"400": {Description: "Invalid query"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *ListDashboardsInput) (*Dashboards, error) {
			summaries, err := dc.Store.List(ctx, input.query())
			if err != nil {
				return nil, apiError(err)
			}
			return &Dashboards{Body: summaries}, nil
		}
}

func (dc *DashboardController) Get() (huma.Operation, func(ctx context.Context, input *DashboardIDInput) (*Dashboard, error)) {
	return huma.Operation{
			OperationID: "GetDashboard",
			Method:      http.MethodGet,
			Path:        dc.Path + "/{id}",
			Summary:     "Get a dashboard",
			Description: "Returns the dashboard with its document and counts as an access.",
			Tags:        []string{"V1/Dashboards"},
			Responses: map[string]*huma.Response{
				"200": {Description: "The dashboard"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDInput) (*Dashboard, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			if err := dc.Store.Touch(ctx, id); err != nil {
				return nil, apiError(err)
			}
			record, err := dc.Store.Get(ctx, id)
			if err != nil {
				return nil, apiError(err)
			}
			return &Dashboard{Body: record}, nil
		}
}

func (dc *DashboardController) Replace() (huma.Operation, func(ctx context.Context, input *DashboardIDBodyInput) (*Dashboard, error)) {
	return huma.Operation{
			OperationID: "ReplaceDashboard",
			Method:      http.MethodPut,
			Path:        dc.Path + "/{id}",
			Summary:     "Replace a dashboard",
			Description: "Overwrites document and metadata, refreshes live viewers and recompiles. Omitted xp_name, user, tags, permanent and ttl are kept.",
			Tags:        []string{"V1/Dashboards"},
			Responses: map[string]*huma.Response{
				"200": {Description: "The replaced dashboard"},
				"400": {Description: "Invalid document or metadata"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDBodyInput) (*Dashboard, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			req := input.Body
			existing, err := dc.Store.Get(ctx, id)
			if err != nil {
				return nil, apiError(err)
			}
			next := &model.DashboardRecord{
				DashboardMeta: model.DashboardMeta{
					XpName:    lo.Ternary(req.XpName != nil, req.XpName, existing.XpName),
					User:      lo.Ternary(req.User != nil, req.User, existing.User),
					Tags:      lo.Uniq(lo.Ternary(req.Tags != nil, req.Tags, existing.Tags)),
					Permanent: lo.FromPtrOr(req.Permanent, existing.Permanent),
				},
				Document: req.Document,
			}
			if !next.Permanent {
				next.TTL = lo.CoalesceOrEmpty(req.TTL, existing.TTL, lo.ToPtr(dc.Config.Lifecycle.DefaultTTL))
			}
			updated, err := dc.Store.Replace(ctx, id, next)
			if err != nil {
				return nil, apiError(err)
			}
			msg := dc.Hub.Broadcast(id, model.RefreshAll{Dashboard: updated.Document})
			dc.Logger.Info().Str("dashboard_id", id.String()).Uint64("seq", msg.Sequence()).Msg("Replace() OK")
			dc.submit(updated)
			return &Dashboard{Body: updated}, nil
		}
}

func (dc *DashboardController) Patch() (huma.Operation, func(ctx context.Context, input *MetaUpdateInput) (*Dashboard, error)) {
	return huma.Operation{
			OperationID: "PatchDashboard",
			Method:      http.MethodPatch,
			Path:        dc.Path + "/{id}",
			Summary:     "Update dashboard metadata",
			Description: "Changes xp_name, user, tags, permanent or ttl. The document and the build status stay untouched.",
			Tags:        []string{"V1/Dashboards"},
			Responses: map[string]*huma.Response{
				"200": {Description: "The updated dashboard"},
				"400": {Description: "Invalid metadata"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *MetaUpdateInput) (*Dashboard, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			updated, err := dc.Store.UpdateMeta(ctx, id, input.Body)
			if err != nil {
				return nil, apiError(err)
			}
			return &Dashboard{Body: updated}, nil
		}
}

func (dc *DashboardController) Delete() (huma.Operation, func(ctx context.Context, input *DashboardIDInput) (*struct{}, error)) {
	return huma.Operation{
			OperationID:   "DeleteDashboard",
			Method:        http.MethodDelete,
			Path:          dc.Path + "/{id}",
			Summary:       "Delete a dashboard",
			Description:   "Deletes the dashboard, disconnects its viewers and removes its renderer artifact.",
			Tags:          []string{"V1/Dashboards"},
			DefaultStatus: http.StatusNoContent,
			Responses: map[string]*huma.Response{
				"204": {Description: "Deleted"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDInput) (*struct{}, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			deleted, err := dc.Store.Delete(ctx, id)
			if err != nil {
				return nil, apiError(err)
			}
			if !deleted {
				return nil, apiError(model.ErrNotFound)
			}
			dc.Hub.RemoveDashboard(id)
			dc.Pipeline.DeleteArtifact(id)
			dc.Logger.Info().Str("dashboard_id", id.String()).Msg("Delete() OK")
			return nil, nil
		}
}

func (dc *DashboardController) Touch() (huma.Operation, func(ctx context.Context, input *DashboardIDInput) (*struct{}, error)) {
	return huma.Operation{
			OperationID:   "TouchDashboard",
			Method:        http.MethodPost,
			Path:          dc.Path + "/{id}/touch",
			Summary:       "Touch a dashboard",
			Description:   "Records an access, which restarts the ttl.",
			Tags:          []string{"V1/Dashboards"},
			DefaultStatus: http.StatusNoContent,
			Responses: map[string]*huma.Response{
				"204": {Description: "Touched"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDInput) (*struct{}, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			if err := dc.Store.Touch(ctx, id); err != nil {
				return nil, apiError(err)
			}
			return nil, nil
		}
}

func (dc *DashboardController) PushUpdate() (huma.Operation, func(ctx context.Context, input *PushUpdateInput) (*PushUpdateResult, error)) {
	return huma.Operation{
			OperationID:   "PushUpdate",
			Method:        http.MethodPost,
			Path:          dc.Path + "/{id}/update",
			Summary:       "Push an update to live viewers",
			Description:   "Broadcasts append_points, replace_trace, update_plot or refresh_all to every connected viewer. Updates are not stored.",
			Tags:          []string{"V1/Dashboards"},
			DefaultStatus: http.StatusAccepted,
			Responses: map[string]*huma.Response{
				"202": {Description: "Broadcast with the returned sequence number"},
				"400": {Description: "Malformed update"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *PushUpdateInput) (*PushUpdateResult, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			cmd, err := model.DecodeUpdateCommand(input.Body)
			if err != nil {
				return nil, apiError(err)
			}
			if _, err := dc.Store.Get(ctx, id); err != nil {
				return nil, apiError(err)
			}
			msg := dc.Hub.Broadcast(id, cmd)
			dc.Logger.Debug().
				Str("dashboard_id", id.String()).
				Str("type", string(msg.Type())).
				Uint64("seq", msg.Sequence()).
				Int("viewers", dc.Hub.ConnectionCount(id)).
				Msg("PushUpdate()")
			result := &PushUpdateResult{}
			result.Body.Seq = msg.Sequence()
			result.Body.Type = msg.Type()
			return result, nil
		}
}

func (dc *DashboardController) GetBuildStatus(suffix string) (huma.Operation, func(ctx context.Context, input *DashboardIDInput) (*BuildStatusResult, error)) {
	operationID := lo.Ternary(suffix == "/wasm-status", "GetWasmStatus", "GetBuildStatus")
	return huma.Operation{
			OperationID: operationID,
			Method:      http.MethodGet,
			Path:        dc.Path + "/{id}" + suffix,
			Summary:     "Get the renderer build status",
			Description: "Returns the build state, the diagnostic of a failed build and whether an artifact exists.",
			Tags:        []string{"V1/Builds"},
			Deprecated:  suffix == "/wasm-status",
			Responses: map[string]*huma.Response{
				"200": {Description: "Build status"},
				"404": {Description: "Dashboard not found"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDInput) (*BuildStatusResult, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			record, err := dc.Store.Get(ctx, id)
			if err != nil {
				return nil, apiError(err)
			}
			result := &BuildStatusResult{}
			result.Body.Status = record.BuildStatus
			result.Body.Error = record.BuildError
			result.Body.WasmReady = dc.Pipeline.WasmExists(id)
			return result, nil
		}
}

func (dc *DashboardController) Recompile() (huma.Operation, func(ctx context.Context, input *DashboardIDInput) (*RecompileResult, error)) {
	return huma.Operation{
			OperationID:   "Recompile",
			Method:        http.MethodPost,
			Path:          dc.Path + "/{id}/recompile",
			Summary:       "Recompile the renderer",
			Description:   "Starts a new build of the stored document. A build already running is not restarted.",
			Tags:          []string{"V1/Builds"},
			DefaultStatus: http.StatusAccepted,
			Responses: map[string]*huma.Response{
				"202": {Description: "Build started or already running"},
				"404": {Description: "Dashboard not found"},
				"503": {Description: "Builds are disabled"},
				"500": {Description: "Internal server error"},
			},
		}, func(ctx context.Context, input *DashboardIDInput) (*RecompileResult, error) {
			id, err := parseDashboardID(input.ID)
			if err != nil {
				return nil, err
			}
			result := &RecompileResult{}
			switch err := dc.Pipeline.Recompile(ctx, id); {
			case err == nil:
				result.Body.Status = "started"
			case errors.Is(err, model.ErrAlreadyInProgress):
				result.Body.Status = "already_building"
			default:
				return nil, apiError(err)
			}
			return result, nil
		}
}
