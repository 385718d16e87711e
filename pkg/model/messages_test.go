package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeUpdateCommand(t *testing.T) {
	t.Run("01 append points", func(t *testing.T) {
		cmd, err := DecodeUpdateCommand([]byte(`{"type":"append_points","plot_id":1,"layer_idx":0,"points":[[1.0,2.0]]}`))
		require.NoError(t, err)
		assert.Equal(t, AppendPoints{PlotID: 1, LayerIdx: 0, Points: Points{{1, 2}}}, cmd)
	})
	t.Run("02 dimension suffixed tags", func(t *testing.T) {
		cmd, err := DecodeUpdateCommand([]byte(`{"type":"append_points3_d","plot_id":2,"layer_idx":1,"points":[[1,2,3]]}`))
		require.NoError(t, err)
		assert.IsType(t, AppendPoints{}, cmd)

		_, err = DecodeUpdateCommand([]byte(`{"type":"replace_trace_2d","plot_id":2,"layer_idx":1,"points":[[1,2,3]]}`))
		assert.ErrorIs(t, err, ErrConflict)
	})
	t.Run("03 mixed dimensions", func(t *testing.T) {
		_, err := DecodeUpdateCommand([]byte(`{"type":"replace_trace","plot_id":2,"layer_idx":1,"points":[[1,2],[1,2,3]]}`))
		assert.ErrorIs(t, err, ErrConflict)
	})
	t.Run("04 update plot and refresh all", func(t *testing.T) {
		cmd, err := DecodeUpdateCommand([]byte(`{"type":"update_plot","plot_id":3,"plot":{"title":"x"}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"x"}`, string(cmd.(UpdatePlot).Plot))

		cmd, err = DecodeUpdateCommand([]byte(`{"type":"refresh_all","dashboard":{"plots":[]}}`))
		require.NoError(t, err)
		assert.JSONEq(t, `{"plots":[]}`, string(cmd.(RefreshAll).Dashboard))

		_, err = DecodeUpdateCommand([]byte(`{"type":"refresh_all"}`))
		assert.ErrorIs(t, err, ErrConflict)
	})
	t.Run("05 unknown type", func(t *testing.T) {
		_, err := DecodeUpdateCommand([]byte(`{"type":"explode"}`))
		assert.ErrorIs(t, err, ErrConflict)
		_, err = DecodeUpdateCommand([]byte(`nope`))
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestEncodeUpdateCommand(t *testing.T) {
	data, err := EncodeUpdateCommand(ReplaceTrace{PlotID: 4, LayerIdx: 2, Points: Points{{1, 2}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"replace_trace","plot_id":4,"layer_idx":2,"points":[[1,2]]}`, string(data))
	cmd, err := DecodeUpdateCommand(data)
	require.NoError(t, err)
	assert.Equal(t, ReplaceTrace{PlotID: 4, LayerIdx: 2, Points: Points{{1, 2}}}, cmd)
}

func TestServerMessageJSON(t *testing.T) {
	msg := AppendPoints{PlotID: 1, LayerIdx: 0, Points: Points{{1, 2}, {3, 4}}}.ToServerMessage(7)
	assert.Equal(t, uint64(7), msg.Sequence())
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"append_points","seq":7,"plot_id":1,"layer_idx":0,"dims":2,"points":[1,2,3,4]}`, string(data))

	data, err = json.Marshal(&ConnectedMessage{Seq: 0, DashboardID: "abc"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connected","seq":0,"dashboard_id":"abc"}`, string(data))

	data, err = json.Marshal(RefreshAll{Dashboard: json.RawMessage(`{"plots":[]}`)}.ToServerMessage(2))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"refresh_all","seq":2,"dashboard":{"plots":[]}}`, string(data))

	data, err = json.Marshal(&ErrorMessage{Seq: 3, Message: "gone"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","seq":3,"message":"gone"}`, string(data))
}

func TestDecodeClientMessage(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"sync","last_seq":12}`))
	require.NoError(t, err)
	assert.Equal(t, SyncRequest{LastSeq: 12}, msg)

	msg, err = DecodeClientMessage([]byte(`{"type":"ack","seq":3}`))
	require.NoError(t, err)
	assert.Equal(t, Ack{Seq: 3}, msg)

	msg, err = DecodeClientMessage([]byte(`{"type":"get_state"}`))
	require.NoError(t, err)
	assert.Equal(t, GetState{}, msg)

	_, err = DecodeClientMessage([]byte(`{"type":"dance"}`))
	assert.Error(t, err)
	_, err = DecodeClientMessage([]byte(`{{`))
	assert.Error(t, err)
}
