package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pscheid92/liverelay/internal/domain"
)

const (
	eventConnected = "connected"
	eventChat      = "chat"
	eventGift      = "gift"
	eventStreamEnd = "streamEnd"
	eventError     = "error"
)

type frame struct {
	Event            string          `json:"event"`
	OwnerDisplayName string          `json:"ownerDisplayName,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            string          `json:"error,omitempty"`
}

type chatData struct {
	Nickname string `json:"nickname"`
	Comment  string `json:"comment"`
}

type giftData struct {
	Nickname    string `json:"nickname"`
	GiftName    string `json:"giftName"`
	RepeatCount int    `json:"repeatCount"`
}

var errUnknownEvent = errors.New("unknown bridge event")

func parseFrame(data []byte) (frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("malformed bridge frame: %w", err)
	}
	if f.Event == "" {
		return frame{}, errors.New("malformed bridge frame: missing event")
	}
	return f, nil
}

// decodeEvent translates a steady-state frame. Unknown events return errUnknownEvent.
func decodeEvent(f frame) (domain.UpstreamEvent, error) {
	switch f.Event {
	case eventChat:
		var d chatData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("malformed chat frame: %w", err)
		}
		return domain.ChatReceived{Nickname: d.Nickname, Comment: d.Comment}, nil

	case eventGift:
		var d giftData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			return nil, fmt.Errorf("malformed gift frame: %w", err)
		}
		return domain.GiftReceived{Nickname: d.Nickname, GiftName: d.GiftName, RepeatCount: d.RepeatCount}, nil

	case eventStreamEnd:
		return domain.StreamEnded{}, nil

	case eventError:
		reason := f.Error
		if reason == "" {
			reason = "bridge reported an error"
		}
		return domain.UpstreamErrored{Err: errors.New(reason)}, nil

	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
	}
}
