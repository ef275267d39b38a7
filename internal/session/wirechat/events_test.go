package wirechat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

func frame(t *testing.T, name string, data any) proto.Frame {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return proto.Frame{Type: proto.OutboundTypeEvent, Event: name, Data: raw}
}

func TestDecodeFrameCategories(t *testing.T) {
	cases := []struct {
		name     string
		frame    proto.Frame
		category core.Category
		subject  string
	}{
		{
			name:     "message",
			frame:    frame(t, proto.EventNameMessage, proto.EventMessage{ID: 4, User: "bob", Text: "hi", TS: 10}),
			category: core.CategoryMessage,
			subject:  "bob",
		},
		{
			name:     "joined",
			frame:    frame(t, proto.EventNameUserJoined, proto.EventUserJoined{Room: "general", User: "carol"}),
			category: core.CategoryJoin,
			subject:  "carol",
		},
		{
			name:     "left",
			frame:    frame(t, proto.EventNameUserLeft, proto.EventUserLeft{Room: "general", User: "carol"}),
			category: core.CategoryLeave,
			subject:  "carol",
		},
		{
			name:     "unknown",
			frame:    frame(t, "typing", map[string]any{"user": "bob"}),
			category: core.CategoryUnhandled,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := decodeFrame(tc.frame)
			require.NoError(t, err)
			require.Len(t, events, 1)
			require.Equal(t, tc.category, core.Classify(events[0]))
			if tc.subject != "" {
				require.Equal(t, tc.subject, events[0].Subject())
			}
		})
	}
}

func TestDecodeFrameMessageFields(t *testing.T) {
	events, err := decodeFrame(frame(t, proto.EventNameMessage, proto.EventMessage{ID: 4, User: "bob", Text: "hi", TS: 10}))
	require.NoError(t, err)
	ev := events[0]
	require.Equal(t, "4", ev.ID)
	require.Equal(t, int64(10000), ev.Timestamp)
	msgtype, _ := ev.ContentString("msgtype")
	require.Equal(t, core.MsgTypeText, msgtype)
}

func TestDecodeFrameHistory(t *testing.T) {
	events, err := decodeFrame(frame(t, proto.EventNameHistory, proto.EventHistory{
		Room:    "general",
		Members: []string{"bob"},
		Messages: []proto.EventMessage{
			{User: "bob", Text: "one"},
			{User: "bob", Text: "two"},
		},
	}))
	require.NoError(t, err)
	require.Len(t, events, 2)
	body, _ := events[1].ContentString("body")
	require.Equal(t, "two", body)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := decodeFrame(proto.Frame{Type: proto.OutboundTypeEvent, Event: proto.EventNameMessage, Data: json.RawMessage(`"nope"`)})
	require.ErrorIs(t, err, core.ErrMalformedEvent)
}

func TestFrameError(t *testing.T) {
	require.ErrorIs(t, frameError(&proto.Error{Code: proto.ErrCodeRoomNotFound, Msg: "room not found"}), core.ErrRoomNotFound)

	perr, ok := core.AsProtocolError(frameError(&proto.Error{Code: proto.ErrCodeUnauthorized, Msg: "invalid token"}))
	require.True(t, ok)
	require.Equal(t, proto.ErrCodeUnauthorized, perr.Code)

	perr, ok = core.AsProtocolError(frameError(nil))
	require.True(t, ok)
	require.Equal(t, core.ErrCodeUnknown, perr.Code)
}
