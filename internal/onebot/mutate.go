package onebot

import (
	"github.com/buger/jsonparser"
	"github.com/tidwall/sjson"
)

// ReplaceText rewrites raw_message and message (whichever are present) to
// newText, leaving every other field untouched, per §6: "Text mutation
// (prefix strip) updates both raw_message and message if both present."
func ReplaceText(raw []byte, newText string) ([]byte, error) {
	out := raw
	var err error

	if _, errGet := jsonparser.GetString(out, "raw_message"); errGet == nil {
		out, err = sjson.SetBytes(out, "raw_message", newText)
		if err != nil {
			return nil, err
		}
	}
	if _, errGet := jsonparser.GetString(out, "message"); errGet == nil {
		out, err = sjson.SetBytes(out, "message", newText)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WithEcho sets (or overwrites) the echo field, used when the dispatcher
// must generate one for correlation (§4.5) because the caller omitted it.
func WithEcho(raw []byte, echo string) ([]byte, error) {
	return sjson.SetBytes(raw, "echo", echo)
}
