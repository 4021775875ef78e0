package gateway

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parlor/pkg/apperr"
	"github.com/go-go-golems/parlor/pkg/rooms"
)

// Client events.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"
	EventStartConversation = "start_conversation"
	EventGetMessages       = "get_messages"
	EventPing              = "ping"
)

// Server-only events.
const (
	EventAck   = "ack"
	EventError = "error"
	EventPong  = "pong"
)

// errProtocol marks frames the server cannot interpret. They close the
// connection with 1002 instead of being acknowledged.
var errProtocol = errors.New("protocol violation")

type inbound struct {
	Event string          `json:"event"`
	AckID string          `json:"ackId,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type sendMessageData struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

type startConversationData struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type getMessagesData struct {
	ConversationID string `json:"conversationId"`
	Limit          int    `json:"limit"`
	Before         string `json:"before"`
}

type ackFrame struct {
	Event string `json:"event"`
	AckID string `json:"ackId"`
	Data  any    `json:"data"`
}

type ackError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type errorEvent struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Event string `json:"event"`
}

type okResult struct {
	Success bool `json:"success"`
}

var okAck = okResult{Success: true}

func parseInbound(raw []byte) (inbound, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return inbound{}, errors.Wrap(errProtocol, "malformed frame")
	}
	if in.Event == "" {
		return inbound{}, errors.Wrap(errProtocol, "frame has no event")
	}
	return in, nil
}

// decodeData unmarshals the event payload. A payload of the wrong shape is a
// protocol violation; an absent one decodes to the zero value.
func decodeData(in inbound, into any) error {
	if len(in.Data) == 0 || bytes.Equal(bytes.TrimSpace(in.Data), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(in.Data, into); err != nil {
		return errors.Wrapf(errProtocol, "malformed %s data", in.Event)
	}
	return nil
}

func ackOK(ackID string, result any) (rooms.Frame, error) {
	return encodeFrame(ackFrame{Event: EventAck, AckID: ackID, Data: result})
}

// replyError acks err when the client asked for an ack, and sends an error
// event otherwise.
func replyError(in inbound, err error) (rooms.Frame, error) {
	if in.AckID != "" {
		return encodeFrame(ackFrame{
			Event: EventAck,
			AckID: in.AckID,
			Data:  ackError{Error: apperr.Public(err), Code: apperr.Kind(err)},
		})
	}
	return rooms.NewFrame(EventError, errorEvent{Error: apperr.Public(err), Code: apperr.Kind(err), Event: in.Event})
}

func encodeFrame(v ackFrame) (rooms.Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return rooms.Frame{}, errors.Wrap(err, "encode ack")
	}
	return rooms.Frame{Event: v.Event, Payload: b}, nil
}
