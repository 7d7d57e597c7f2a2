package profilesync

import (
	"encoding/json"

	"github.com/PaulBabatuyi/pixelchat-messaging/internal/apperr"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/data"
	"github.com/PaulBabatuyi/pixelchat-messaging/internal/normalize"
)

const (
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionDeleteAll = "deleteAll"
)

// Envelope is a user sync event as published by the identity system.
type Envelope struct {
	Action string       `json:"action"`
	User   *UserPayload `json:"user,omitempty"`
	UserID string       `json:"userId,omitempty"`
}

// UserPayload is the full user record carried by an update event.
type UserPayload struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Nickname string `json:"nickname"`
	Picture  string `json:"picture"`
}

// Profile converts the payload to the replacement written to storage.
func (u *UserPayload) Profile() data.UserProfile {
	return data.UserProfile{
		ID:         normalize.UserID(u.ID),
		Name:       u.Name,
		Nickname:   u.Nickname,
		PictureURL: u.Picture,
	}
}

// ParseEnvelope decodes and checks one event body. Unknown actions are
// reported as UnknownAction; anything else that cannot be applied as
// MalformedEnvelope. deleteAll parses fine and is refused later.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Wrap(apperr.CodeMalformedEnvelope, "event is not valid JSON", err)
	}

	switch env.Action {
	case ActionUpdate:
		if env.User == nil || normalize.UserID(env.User.ID) == "" {
			return nil, apperr.New(apperr.CodeMalformedEnvelope, "update event without user.id")
		}
	case ActionDelete:
		env.UserID = normalize.UserID(env.UserID)
		if env.UserID == "" {
			return nil, apperr.New(apperr.CodeMalformedEnvelope, "delete event without userId")
		}
	case ActionDeleteAll:
	case "":
		return nil, apperr.New(apperr.CodeMalformedEnvelope, "event without action")
	default:
		return nil, apperr.New(apperr.CodeUnknownAction, "unknown action "+env.Action)
	}
	return &env, nil
}
