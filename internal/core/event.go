package core

// Event type and content values understood by the classifier.
const (
	EventTypeMember  = "m.room.member"
	EventTypeMessage = "m.room.message"

	MsgTypeText = "m.text"

	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
)

// Event is a raw room event pushed by the server. Content and the unsigned
// block are kept loosely typed; the classifier and dispatcher pick out the
// fields they need.
type Event struct {
	ID              string         `json:"event_id,omitempty"`
	Type            string         `json:"type"`
	Sender          string         `json:"sender"`
	StateKey        *string        `json:"state_key,omitempty"`
	Timestamp       int64          `json:"origin_server_ts,omitempty"`
	Content         map[string]any `json:"content"`
	PrevContent     map[string]any `json:"prev_content,omitempty"`
	Unsigned        map[string]any `json:"unsigned,omitempty"`
	RedactedBecause map[string]any `json:"redacted_because,omitempty"`
}

// ContentString returns a string field of the event content.
func (e Event) ContentString(key string) (string, bool) {
	return stringField(e.Content, key)
}

// Subject returns the user the event is about: the state key when present,
// otherwise the sender.
func (e Event) Subject() string {
	if e.StateKey != nil && *e.StateKey != "" {
		return *e.StateKey
	}
	return e.Sender
}

// Redacted reports whether the event was withdrawn by a redaction.
func (e Event) Redacted() bool {
	if e.RedactedBecause != nil {
		return true
	}
	_, ok := e.Unsigned["redacted_because"]
	return ok
}

// PrevMembership returns the membership the subject held before this event.
func (e Event) PrevMembership() (string, bool) {
	if prev, ok := e.Unsigned["prev_content"].(map[string]any); ok {
		return stringField(prev, "membership")
	}
	return stringField(e.PrevContent, "membership")
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

// Category is the semantic class of a room event.
type Category int

const (
	// CategoryUnhandled is the catch-all for events the client does not react to.
	CategoryUnhandled Category = iota
	// CategoryMessage is a plain text message.
	CategoryMessage
	// CategoryJoin is a participant entering the room.
	CategoryJoin
	// CategoryLeave is a participant leaving, or being removed from, the room.
	CategoryLeave
	// CategoryInvite is a participant inviting another user.
	CategoryInvite
	// CategoryProfileChange is a join->join membership update, which is how
	// display name edits arrive.
	CategoryProfileChange
)

func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "message"
	case CategoryJoin:
		return "join"
	case CategoryLeave:
		return "leave"
	case CategoryInvite:
		return "invite"
	case CategoryProfileChange:
		return "profile_change"
	default:
		return "unhandled"
	}
}

// Classify maps a raw event to its category. It has no side effects.
func Classify(e Event) Category {
	if e.Redacted() {
		return CategoryUnhandled
	}

	switch e.Type {
	case EventTypeMember:
		return classifyMembership(e)
	case EventTypeMessage:
		if msgType, _ := e.ContentString("msgtype"); msgType == MsgTypeText {
			return CategoryMessage
		}
	}
	return CategoryUnhandled
}

func classifyMembership(e Event) Category {
	membership, _ := e.ContentString("membership")
	switch membership {
	case MembershipJoin:
		// join -> join is a profile change
		if prev, ok := e.PrevMembership(); ok && prev == MembershipJoin {
			return CategoryProfileChange
		}
		return CategoryJoin
	case MembershipLeave:
		return CategoryLeave
	case MembershipInvite:
		return CategoryInvite
	default:
		return CategoryUnhandled
	}
}
