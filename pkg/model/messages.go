package model

import (
	"encoding/json"
	"fmt"

	"github.com/samber/lo"
)

// UpdateCommand changes what viewers of a dashboard see. Implemented by
// AppendPoints, ReplaceTrace, UpdatePlot and RefreshAll only.
type UpdateCommand interface {
	// ToServerMessage wraps the command into the message sent with sequence seq.
	ToServerMessage(seq uint64) ServerMessage
	isUpdateCommand()
}

// Points is a list of 2-D or 3-D points.
type Points [][]float32

// Dims returns the shared dimension of all points.
func (p Points) Dims() (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	dims := len(p[0])
	if dims != 2 && dims != 3 {
		return 0, fmt.Errorf("points must have 2 or 3 components, got %d", dims)
	}
	for i, point := range p {
		if len(point) != dims {
			return 0, fmt.Errorf("point %d has %d components, expected %d", i, len(point), dims)
		}
	}
	return dims, nil
}

// Flatten returns [x1, y1, (z1), x2, ...].
func (p Points) Flatten() []float32 {
	return lo.Flatten(p)
}

type AppendPoints struct {
	PlotID   uint64 `json:"plot_id"`
	LayerIdx int    `json:"layer_idx"`
	Points   Points `json:"points"`
}

type ReplaceTrace struct {
	PlotID   uint64 `json:"plot_id"`
	LayerIdx int    `json:"layer_idx"`
	Points   Points `json:"points"`
}

type UpdatePlot struct {
	PlotID uint64          `json:"plot_id"`
	Plot   json.RawMessage `json:"plot"`
}

type RefreshAll struct {
	Dashboard json.RawMessage `json:"dashboard"`
}

func (AppendPoints) isUpdateCommand() {}
func (ReplaceTrace) isUpdateCommand() {}
func (UpdatePlot) isUpdateCommand()   {}
func (RefreshAll) isUpdateCommand()   {}

func (c AppendPoints) ToServerMessage(seq uint64) ServerMessage {
	dims, _ := c.Points.Dims()
	return &AppendPointsMessage{Seq: seq, PlotID: c.PlotID, LayerIdx: c.LayerIdx, Dims: dims, Points: c.Points.Flatten()}
}

func (c ReplaceTrace) ToServerMessage(seq uint64) ServerMessage {
	dims, _ := c.Points.Dims()
	return &ReplaceTraceMessage{Seq: seq, PlotID: c.PlotID, LayerIdx: c.LayerIdx, Dims: dims, Points: c.Points.Flatten()}
}

func (c UpdatePlot) ToServerMessage(seq uint64) ServerMessage {
	return &UpdatePlotMessage{Seq: seq, PlotID: c.PlotID, Plot: c.Plot}
}

func (c RefreshAll) ToServerMessage(seq uint64) ServerMessage {
	return &RefreshAllMessage{Seq: seq, Dashboard: c.Dashboard}
}

// accepted wire tags and the point dimension they pin, 0 = any
var updateCommandTags = map[string]struct {
	kind string
	dims int
}{
	"append_points":    {"append_points", 0},
	"append_points2_d": {"append_points", 2},
	"append_points3_d": {"append_points", 3},
	"append_points_2d": {"append_points", 2},
	"append_points_3d": {"append_points", 3},
	"replace_trace":    {"replace_trace", 0},
	"replace_trace2_d": {"replace_trace", 2},
	"replace_trace3_d": {"replace_trace", 3},
	"replace_trace_2d": {"replace_trace", 2},
	"replace_trace_3d": {"replace_trace", 3},
	"update_plot":      {"update_plot", 0},
	"refresh_all":      {"refresh_all", 0},
}

type typeTag struct {
	Type string `json:"type"`
}

// DecodeUpdateCommand parses a type tagged update command.
func DecodeUpdateCommand(data []byte) (UpdateCommand, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, ConflictError("invalid update command: %v", err)
	}
	known, ok := updateCommandTags[tag.Type]
	if !ok {
		return nil, ConflictError("unknown update command type %q", tag.Type)
	}
	checkPoints := func(points Points) error {
		dims, err := points.Dims()
		if err != nil {
			return ConflictError("%s: %v", tag.Type, err)
		}
		if known.dims != 0 && dims != 0 && dims != known.dims {
			return ConflictError("%s expects %d-D points, got %d-D", tag.Type, known.dims, dims)
		}
		return nil
	}
	switch known.kind {
	case "append_points":
		var cmd AppendPoints
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, ConflictError("invalid %s: %v", tag.Type, err)
		}
		if err := checkPoints(cmd.Points); err != nil {
			return nil, err
		}
		return cmd, nil
	case "replace_trace":
		var cmd ReplaceTrace
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, ConflictError("invalid %s: %v", tag.Type, err)
		}
		if err := checkPoints(cmd.Points); err != nil {
			return nil, err
		}
		return cmd, nil
	case "update_plot":
		var cmd UpdatePlot
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, ConflictError("invalid %s: %v", tag.Type, err)
		}
		if len(cmd.Plot) == 0 {
			return nil, ConflictError("update_plot requires a plot")
		}
		return cmd, nil
	default:
		var cmd RefreshAll
		if err := json.Unmarshal(data, &cmd); err != nil {
			return nil, ConflictError("invalid %s: %v", tag.Type, err)
		}
		if err := ValidateDocument(cmd.Dashboard); err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

// EncodeUpdateCommand writes the canonical wire form of cmd.
func EncodeUpdateCommand(cmd UpdateCommand) ([]byte, error) {
	switch c := cmd.(type) {
	case AppendPoints:
		type alias AppendPoints
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{"append_points", alias(c)})
	case ReplaceTrace:
		type alias ReplaceTrace
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{"replace_trace", alias(c)})
	case UpdatePlot:
		type alias UpdatePlot
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{"update_plot", alias(c)})
	case RefreshAll:
		type alias RefreshAll
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{"refresh_all", alias(c)})
	}
	return nil, fmt.Errorf("unsupported update command %T", cmd)
}

type ServerMessageType string

const (
	ServerAppendPoints ServerMessageType = "append_points"
	ServerReplaceTrace ServerMessageType = "replace_trace"
	ServerUpdatePlot   ServerMessageType = "update_plot"
	ServerRefreshAll   ServerMessageType = "refresh_all"
	ServerError        ServerMessageType = "error"
	ServerConnected    ServerMessageType = "connected"
)

// ServerMessage is sent from server to viewers. Marshalling adds the type tag.
type ServerMessage interface {
	Sequence() uint64
	Type() ServerMessageType
}

type AppendPointsMessage struct {
	Seq      uint64    `json:"seq"`
	PlotID   uint64    `json:"plot_id"`
	LayerIdx int       `json:"layer_idx"`
	Dims     int       `json:"dims"`
	Points   []float32 `json:"points"`
}

type ReplaceTraceMessage struct {
	Seq      uint64    `json:"seq"`
	PlotID   uint64    `json:"plot_id"`
	LayerIdx int       `json:"layer_idx"`
	Dims     int       `json:"dims"`
	Points   []float32 `json:"points"`
}

type UpdatePlotMessage struct {
	Seq    uint64          `json:"seq"`
	PlotID uint64          `json:"plot_id"`
	Plot   json.RawMessage `json:"plot"`
}

type RefreshAllMessage struct {
	Seq       uint64          `json:"seq"`
	Dashboard json.RawMessage `json:"dashboard"`
}

type ErrorMessage struct {
	Seq     uint64 `json:"seq"`
	Message string `json:"message"`
}

type ConnectedMessage struct {
	Seq         uint64 `json:"seq"`
	DashboardID string `json:"dashboard_id"`
}

func (m *AppendPointsMessage) Sequence() uint64 { return m.Seq }
func (m *ReplaceTraceMessage) Sequence() uint64 { return m.Seq }
func (m *UpdatePlotMessage) Sequence() uint64   { return m.Seq }
func (m *RefreshAllMessage) Sequence() uint64   { return m.Seq }
func (m *ErrorMessage) Sequence() uint64        { return m.Seq }
func (m *ConnectedMessage) Sequence() uint64    { return m.Seq }

func (m *AppendPointsMessage) Type() ServerMessageType { return ServerAppendPoints }
func (m *ReplaceTraceMessage) Type() ServerMessageType { return ServerReplaceTrace }
func (m *UpdatePlotMessage) Type() ServerMessageType   { return ServerUpdatePlot }
func (m *RefreshAllMessage) Type() ServerMessageType   { return ServerRefreshAll }
func (m *ErrorMessage) Type() ServerMessageType        { return ServerError }
func (m *ConnectedMessage) Type() ServerMessageType    { return ServerConnected }

func (m *AppendPointsMessage) MarshalJSON() ([]byte, error) {
	type alias AppendPointsMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

func (m *ReplaceTraceMessage) MarshalJSON() ([]byte, error) {
	type alias ReplaceTraceMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

func (m *UpdatePlotMessage) MarshalJSON() ([]byte, error) {
	type alias UpdatePlotMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

func (m *RefreshAllMessage) MarshalJSON() ([]byte, error) {
	type alias RefreshAllMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

func (m *ErrorMessage) MarshalJSON() ([]byte, error) {
	type alias ErrorMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

func (m *ConnectedMessage) MarshalJSON() ([]byte, error) {
	type alias ConnectedMessage
	return marshalTagged(m.Type(), (*alias)(m))
}

// marshalTagged encodes body as an object and prepends the type field.
func marshalTagged(kind ServerMessageType, body any) ([]byte, error) {
	fields, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(typeTag{Type: string(kind)})
	if len(fields) <= 2 {
		return tag, nil
	}
	// {"type":"x"} + ,"seq":1,...}
	out := make([]byte, 0, len(tag)+len(fields))
	out = append(out, tag[:len(tag)-1]...)
	out = append(out, ',')
	return append(out, fields[1:]...), nil
}

// ClientMessage is sent from a viewer to the server.
type ClientMessage interface {
	isClientMessage()
}

// SyncRequest asks for a full resync after a gap.
type SyncRequest struct {
	LastSeq uint64 `json:"last_seq"`
}

// Ack is informational.
type Ack struct {
	Seq uint64 `json:"seq"`
}

type GetState struct{}

func (SyncRequest) isClientMessage() {}
func (Ack) isClientMessage()         {}
func (GetState) isClientMessage()    {}

func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	switch tag.Type {
	case "sync":
		var msg SyncRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid sync message: %w", err)
		}
		return msg, nil
	case "ack":
		var msg Ack
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid ack message: %w", err)
		}
		return msg, nil
	case "get_state":
		return GetState{}, nil
	}
	return nil, fmt.Errorf("unknown client message type %q", tag.Type)
}
