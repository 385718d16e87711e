package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/metraction/vidi/internal/hub"
	"github.com/metraction/vidi/internal/logging"
	"github.com/metraction/vidi/internal/store"
	"github.com/metraction/vidi/pkg/model"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxClientFrame = 64 * 1024
)

// StreamController serves the live update websocket of a dashboard.
type StreamController struct {
	Path     string
	Config   *model.Config
	Logger   *zerolog.Logger
	Store    store.DashboardStore
	Hub      *hub.Hub
	Upgrader websocket.Upgrader
	// PingPeriod is the keepalive interval, the peer has to answer within 10/9 of it
	PingPeriod time.Duration
}

func NewStreamController(config *model.Config, store store.DashboardStore, hub *hub.Hub) *StreamController {
	return &StreamController{
		Path:   "/ws/v1/dashboards",
		Config: config,
		Logger: logging.NewLogger(config.Log.Level, "component", "StreamController"),
		Store:  store,
		Hub:    hub,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		PingPeriod: pingPeriod,
	}
}

func (sc *StreamController) AddRoutes(router chi.Router) {
	router.Get(sc.Path+"/{id}", sc.ServeStream)
}

// ServeStream checks and touches the dashboard before upgrading, so unknown
// ids get a plain 404.
func (sc *StreamController) ServeStream(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid dashboard id", http.StatusBadRequest)
		return
	}
	if err := sc.Store.Touch(r.Context(), id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		sc.Logger.Error().Err(err).Str("dashboard_id", id.String()).Msg("ServeStream() touch")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	conn, err := sc.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request
		sc.Logger.Warn().Err(err).Str("dashboard_id", id.String()).Msg("ServeStream() upgrade")
		return
	}
	defer conn.Close()

	logger := sc.Logger.With().Str("dashboard_id", id.String()).Str("remote", r.RemoteAddr).Logger()
	sub := sc.Hub.Subscribe(id)
	defer sc.Hub.Unsubscribe(sub)
	logger.Info().Int("viewers", sc.Hub.ConnectionCount(id)).Msg("Viewer connected")

	direct := make(chan model.ServerMessage, 1)
	done := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		sc.writeLoop(conn, id, sub, direct, done, &logger)
	}()

	sc.readLoop(r.Context(), conn, id, direct, &logger)
	close(done)
	<-writerDone
	logger.Info().Uint64("dropped", sub.Dropped()).Msg("Viewer disconnected")
}

// writeLoop is the only writer of conn apart from control frames.
func (sc *StreamController) writeLoop(conn *websocket.Conn, id uuid.UUID, sub *hub.Subscription, direct <-chan model.ServerMessage, done <-chan struct{}, logger *zerolog.Logger) {
	ticker := time.NewTicker(sc.PingPeriod)
	defer ticker.Stop()
	// a closed conn ends the read loop
	defer conn.Close()

	write := func(msg model.ServerMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			logger.Error().Err(err).Str("type", string(msg.Type())).Msg("marshal message")
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	closeWith := func(code int, reason string) {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	}

	if err := write(&model.ConnectedMessage{Seq: 0, DashboardID: id.String()}); err != nil {
		logger.Debug().Err(err).Msg("write connected")
		return
	}
	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				closeWith(websocket.CloseGoingAway, "dashboard removed")
				return
			}
			if err := write(msg); err != nil {
				logger.Debug().Err(err).Msg("write update")
				return
			}
		case msg := <-direct:
			if err := write(msg); err != nil {
				logger.Debug().Err(err).Msg("write direct message")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug().Err(err).Msg("write ping")
				return
			}
		case <-done:
			closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (sc *StreamController) readLoop(ctx context.Context, conn *websocket.Conn, id uuid.UUID, direct chan<- model.ServerMessage, logger *zerolog.Logger) {
	wait := sc.PingPeriod * 10 / 9
	conn.SetReadLimit(maxClientFrame)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("read")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wait))
		if kind != websocket.TextMessage {
			logger.Warn().Int("kind", kind).Msg("Ignoring non text frame")
			continue
		}
		msg, err := model.DecodeClientMessage(data)
		if err != nil {
			logger.Warn().Err(err).Msg("Ignoring malformed client message")
			continue
		}
		switch msg := msg.(type) {
		case model.SyncRequest:
			logger.Info().Uint64("last_seq", msg.LastSeq).Msg("Resync requested")
			sc.resync(ctx, id, direct, logger)
		case model.GetState:
			sc.resync(ctx, id, direct, logger)
		case model.Ack:
			logger.Debug().Uint64("seq", msg.Seq).Msg("ack")
		}
	}
}

// resync broadcasts the stored document to every viewer. A failed read is
// reported to the requesting viewer only.
func (sc *StreamController) resync(ctx context.Context, id uuid.UUID, direct chan<- model.ServerMessage, logger *zerolog.Logger) {
	record, err := sc.Store.Get(ctx, id)
	if err != nil {
		logger.Warn().Err(err).Msg("resync")
		select {
		case direct <- &model.ErrorMessage{Seq: sc.Hub.Sequence(id), Message: "resync failed: " + err.Error()}:
		default:
		}
		return
	}
	msg := sc.Hub.Broadcast(id, model.RefreshAll{Dashboard: record.Document})
	logger.Debug().Uint64("seq", msg.Sequence()).Msg("resync broadcast")
}
