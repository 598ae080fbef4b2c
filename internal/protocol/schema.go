package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMissingKind is returned for frames without a type or action.
var ErrMissingKind = errors.New("frame has no type or action")

type schemaRegistry struct {
	once    sync.Once
	initErr error
	frame   *jsonschema.Schema
	server  map[string]*jsonschema.Schema
	client  map[string]*jsonschema.Schema
}

var schemas schemaRegistry

func initSchemas() error {
	schemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", frameSchema)
		if err != nil {
			schemas.initErr = err
			return
		}
		schemas.frame = frame

		server := map[string]string{
			TypePresence:          presenceSchema,
			TypePresenceCheck:     presenceSchema,
			TypeUnreadSummary:     summarySchema,
			TypeChatMessageUpdate: summarySchema,
			TypeChatHistory:       chatHistorySchema,
			TypeChatMessage:       chatMessageEventSchema,
			TypeReadUpdate:        readUpdateSchema,
			TypeInit:              notificationInitSchema,
			TypeNew:               notificationNewSchema,
			ActionIncomingCall:    incomingCallSchema,
			ActionCallAccepted:    callReplySchema,
			ActionCallDeclined:    callReplySchema,
			ActionMissedCall:      missedCallSchema,
		}
		client := map[string]string{
			TypeCheckUser:     checkUserSchema,
			TypeMarkRead:      markReadSchema,
			TypeChatMessage:   sendChatSchema,
			TypeMarkDelivered: markDeliveredSchema,
			ActionCallUser:    callUserSchema,
			ActionAcceptCall:  callUserSchema,
			ActionDeclineCall: callUserSchema,
			ActionMissedCall:  missedCallSchema,
		}

		if schemas.server, err = compileAll("server_", server); err != nil {
			schemas.initErr = err
			return
		}
		if schemas.client, err = compileAll("client_", client); err != nil {
			schemas.initErr = err
		}
	})
	return schemas.initErr
}

func compileAll(prefix string, sources map[string]string) (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(sources))
	for name, src := range sources {
		schema, err := jsonschema.CompileString(prefix+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}

// ValidateServerFrame checks a frame received from the server. Frames of an
// unknown kind pass validation so callers can ignore them.
func ValidateServerFrame(raw []byte) (Header, error) {
	return validate(raw, func() map[string]*jsonschema.Schema { return schemas.server })
}

// ValidateClientFrame checks a frame received from a client.
func ValidateClientFrame(raw []byte) (Header, error) {
	return validate(raw, func() map[string]*jsonschema.Schema { return schemas.client })
}

func validate(raw []byte, table func() map[string]*jsonschema.Schema) (Header, error) {
	if err := initSchemas(); err != nil {
		return Header{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Header{}, fmt.Errorf("decode frame: %w", err)
	}
	if err := schemas.frame.Validate(payload); err != nil {
		return Header{}, err
	}

	var header Header
	if obj, ok := payload.(map[string]any); ok {
		header.Type, _ = obj["type"].(string)
		header.Action, _ = obj["action"].(string)
	}
	kind := header.Kind()
	if kind == "" {
		return header, ErrMissingKind
	}
	if schema := table()[kind]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return header, fmt.Errorf("invalid %s frame: %w", kind, err)
		}
	}
	return header, nil
}

const frameSchema = `{
  "type": "object",
  "properties": {
    "type": { "type": "string" },
    "action": { "type": "string" }
  },
  "additionalProperties": true
}`

const presenceSchema = `{
  "type": "object",
  "required": ["user_id", "status"],
  "properties": {
    "user_id": { "type": ["string", "integer"] },
    "status": { "enum": ["online", "offline"] }
  }
}`

const summarySchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "data": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["user_id", "unread_count"],
        "properties": {
          "user_id": { "type": ["string", "integer"] },
          "unread_count": { "type": "integer" },
          "last_message": { "type": ["string", "null"] },
          "last_message_time": { "type": ["string", "null"] }
        }
      }
    }
  }
}`

const messageSchema = `{
  "type": "object",
  "required": ["id", "sender_id", "receiver_id"],
  "properties": {
    "id": { "type": ["string", "integer"] },
    "sender_id": { "type": ["string", "integer"] },
    "receiver_id": { "type": ["string", "integer"] },
    "text": { "type": "string" },
    "timestamp": { "type": "string" },
    "is_delivered": { "type": "boolean" },
    "is_read": { "type": "boolean" }
  }
}`

var chatHistorySchema = `{
  "type": "object",
  "required": ["messages"],
  "properties": {
    "messages": { "type": "array", "items": ` + messageSchema + ` }
  }
}`

var chatMessageEventSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": ` + messageSchema + `
  }
}`

const readUpdateSchema = `{
  "type": "object",
  "required": ["message_ids"],
  "properties": {
    "message_ids": { "type": "array", "items": { "type": ["string", "integer"] } }
  }
}`

const notificationInitSchema = `{
  "type": "object",
  "required": ["notifications"],
  "properties": {
    "notifications": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message"],
        "properties": {
          "message": { "type": "string" },
          "created_at": { "type": "string" },
          "is_read": { "type": "boolean" }
        }
      }
    },
    "unread_count": { "type": "integer", "minimum": 0 }
  }
}`

const notificationNewSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string" },
    "workspace": { "type": ["object", "null"] }
  }
}`

const incomingCallSchema = `{
  "type": "object",
  "required": ["from_user_id", "room_id"],
  "properties": {
    "from_user_id": { "type": ["string", "integer"] },
    "room_id": { "type": "string", "minLength": 1 },
    "caller_name": { "type": "string" }
  }
}`

const callReplySchema = `{
  "type": "object",
  "required": ["room_id"],
  "properties": {
    "room_id": { "type": "string", "minLength": 1 }
  }
}`

const missedCallSchema = `{
  "type": "object",
  "properties": {
    "to_user_id": { "type": ["string", "integer"] },
    "from_user_id": { "type": ["string", "integer"] }
  }
}`

const checkUserSchema = `{
  "type": "object",
  "required": ["user_id"],
  "properties": {
    "user_id": { "type": ["string", "integer"] }
  }
}`

const markReadSchema = `{
  "type": "object",
  "properties": {
    "sender_id": { "type": ["string", "integer"] },
    "message_ids": { "type": "array", "items": { "type": ["string", "integer"] } }
  }
}`

const sendChatSchema = `{
  "type": "object",
  "required": ["text", "receiver_id"],
  "properties": {
    "text": { "type": "string", "minLength": 1 },
    "receiver_id": { "type": ["string", "integer"] }
  }
}`

const markDeliveredSchema = `{
  "type": "object",
  "required": ["message_id"],
  "properties": {
    "message_id": { "type": ["string", "integer"] }
  }
}`

const callUserSchema = `{
  "type": "object",
  "required": ["to_user_id", "room_id"],
  "properties": {
    "to_user_id": { "type": ["string", "integer"] },
    "room_id": { "type": "string", "minLength": 1 }
  }
}`
