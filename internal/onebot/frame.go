// Package onebot classifies and surgically mutates OneBot v11 WebSocket
// frames without fully unmarshaling them, so unknown fields survive a
// forward byte-for-byte (§6).
package onebot

import (
	"github.com/buger/jsonparser"
)

// Kind is the discriminant produced by Classify.
type Kind int

const (
	Unknown Kind = iota
	MessageEvent
	APICall
	APIResponse
	MetaEvent
	Other
)

func (k Kind) String() string {
	switch k {
	case MessageEvent:
		return "message_event"
	case APICall:
		return "api_call"
	case APIResponse:
		return "api_response"
	case MetaEvent:
		return "meta_event"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// Frame is the subset of an OneBot frame the router and dispatcher need.
// Everything else in the original JSON is carried in Raw and left
// untouched on forward.
type Frame struct {
	Kind Kind
	Raw  []byte

	PostType    string
	MessageType string
	UserID      int64
	GroupID     int64
	HasGroupID  bool
	Text        string
	UsesMessage bool // true if Text came from "message" rather than "raw_message"

	Action string
	Echo   string
	HasEcho bool

	Status  string
	RetCode int64
}

// Classify inspects raw using buger/jsonparser's allocation-light field
// access, deciding the frame Kind before any sjson mutation is attempted.
func Classify(raw []byte) Frame {
	f := Frame{Raw: raw}

	if postType, err := jsonparser.GetString(raw, "post_type"); err == nil && postType != "" {
		f.PostType = postType
		switch postType {
		case "message":
			f.Kind = MessageEvent
			f.fillMessageEvent(raw)
		case "meta_event":
			f.Kind = MetaEvent
		default:
			f.Kind = Other
		}
		return f
	}

	if action, err := jsonparser.GetString(raw, "action"); err == nil && action != "" {
		f.Kind = APICall
		f.Action = action
		f.fillEcho(raw)
		return f
	}

	if status, err := jsonparser.GetString(raw, "status"); err == nil && status != "" {
		f.Kind = APIResponse
		f.Status = status
		if rc, err := jsonparser.GetInt(raw, "retcode"); err == nil {
			f.RetCode = rc
		}
		f.fillEcho(raw)
		return f
	}

	f.Kind = Other
	return f
}

func (f *Frame) fillMessageEvent(raw []byte) {
	f.MessageType, _ = jsonparser.GetString(raw, "message_type")
	if uid, err := jsonparser.GetInt(raw, "user_id"); err == nil {
		f.UserID = uid
	}
	if gid, err := jsonparser.GetInt(raw, "group_id"); err == nil {
		f.GroupID = gid
		f.HasGroupID = true
	}
	if text, err := jsonparser.GetString(raw, "raw_message"); err == nil {
		f.Text = text
		return
	}
	if text, err := jsonparser.GetString(raw, "message"); err == nil {
		f.Text = text
		f.UsesMessage = true
	}
}

func (f *Frame) fillEcho(raw []byte) {
	if echo, err := jsonparser.GetString(raw, "echo"); err == nil {
		f.Echo = echo
		f.HasEcho = true
	}
}
