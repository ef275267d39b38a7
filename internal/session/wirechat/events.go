package wirechat

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vovakirdan/wirechat-tui/internal/core"
	"github.com/vovakirdan/wirechat-tui/internal/proto"
)

// decodeFrame turns an event frame into room events. History frames expand
// to one event per message.
func decodeFrame(frame proto.Frame) ([]core.Event, error) {
	switch frame.Event {
	case proto.EventNameMessage:
		var msg proto.EventMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrMalformedEvent, err)
		}
		return []core.Event{messageEvent(msg)}, nil
	case proto.EventNameUserJoined:
		var joined proto.EventUserJoined
		if err := json.Unmarshal(frame.Data, &joined); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrMalformedEvent, err)
		}
		return []core.Event{memberEvent(joined.User, core.MembershipJoin, "")}, nil
	case proto.EventNameUserLeft:
		var left proto.EventUserLeft
		if err := json.Unmarshal(frame.Data, &left); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrMalformedEvent, err)
		}
		return []core.Event{memberEvent(left.User, core.MembershipLeave, core.MembershipJoin)}, nil
	case proto.EventNameHistory:
		var history proto.EventHistory
		if err := json.Unmarshal(frame.Data, &history); err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrMalformedEvent, err)
		}
		events := make([]core.Event, 0, len(history.Messages))
		for _, msg := range history.Messages {
			events = append(events, messageEvent(msg))
		}
		return events, nil
	default:
		// Unknown event names still reach the dispatcher, which shows them
		// in debug mode.
		var content map[string]any
		_ = json.Unmarshal(frame.Data, &content)
		return []core.Event{{Type: "wirechat." + frame.Event, Content: content}}, nil
	}
}

func messageEvent(msg proto.EventMessage) core.Event {
	ev := core.Event{
		Type:      core.EventTypeMessage,
		Sender:    msg.User,
		Timestamp: msg.TS * 1000,
		Content: map[string]any{
			"msgtype": core.MsgTypeText,
			"body":    msg.Text,
		},
	}
	if msg.ID > 0 {
		ev.ID = strconv.FormatInt(msg.ID, 10)
	}
	return ev
}

func memberEvent(user, membership, prev string) core.Event {
	stateKey := user
	ev := core.Event{
		Type:     core.EventTypeMember,
		Sender:   user,
		StateKey: &stateKey,
		Content:  map[string]any{"membership": membership},
	}
	if prev != "" {
		ev.PrevContent = map[string]any{"membership": prev}
	}
	return ev
}

func historyMembers(frame proto.Frame) []string {
	var history proto.EventHistory
	if err := json.Unmarshal(frame.Data, &history); err != nil {
		return nil
	}
	return history.Members
}
