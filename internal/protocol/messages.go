package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies device websocket payload variants.
type MessageType string

const (
	TypeAudioStart   MessageType = "audio_start"
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeAudioEnd     MessageType = "audio_end"
	TypeTextMessage  MessageType = "text_message"
	TypeHeartbeat    MessageType = "heartbeat"
	TypeSystemStatus MessageType = "system_status"

	TypeSystem        MessageType = "system"
	TypeError         MessageType = "error"
	TypeAudioResponse MessageType = "audio_response"
	TypeTextResponse  MessageType = "text_response"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound variants. One JSON object per message over the device connection.

type AudioStart struct {
	Type           MessageType `json:"type"`
	AudioSessionID string      `json:"audio_session_id,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

type AudioChunk struct {
	Type           MessageType `json:"type"`
	AudioData      string      `json:"audio_data"`
	ChunkID        string      `json:"chunk_id,omitempty"`
	IsFinal        bool        `json:"is_final,omitempty"`
	AudioSessionID string      `json:"audio_session_id,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

// Payload decodes the base64 audio carried by the chunk.
func (c AudioChunk) Payload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(c.AudioData)
	if err != nil {
		return nil, fmt.Errorf("decode audio_data: %w", err)
	}
	return data, nil
}

type AudioEnd struct {
	Type           MessageType `json:"type"`
	AudioSessionID string      `json:"audio_session_id,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
}

type TextMessage struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type Heartbeat struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

type SystemStatus struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// Outbound variants.

type SystemMessage struct {
	Type      MessageType    `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func NewSystemMessage(data map[string]any) SystemMessage {
	return SystemMessage{Type: TypeSystem, Data: data, Timestamp: time.Now().UnixMilli()}
}

type ErrorMessage struct {
	Type         MessageType `json:"type"`
	ErrorCode    string      `json:"error_code"`
	ErrorMessage string      `json:"error_message"`
}

func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, ErrorCode: code, ErrorMessage: message}
}

type AudioResponse struct {
	Type       MessageType `json:"type"`
	AudioData  string      `json:"audio_data"`
	Text       string      `json:"text"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sample_rate"`
}

func NewAudioResponse(audio []byte, text string) AudioResponse {
	return AudioResponse{
		Type:       TypeAudioResponse,
		AudioData:  base64.StdEncoding.EncodeToString(audio),
		Text:       text,
		Format:     "mp3",
		SampleRate: 22050,
	}
}

type TextResponse struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func NewTextResponse(text string) TextResponse {
	return TextResponse{Type: TypeTextResponse, Text: text}
}

// ParseDeviceMessage decodes one inbound envelope into its typed variant.
// Unknown types and structurally invalid payloads fail here so that nothing
// malformed reaches the session dispatch path.
func ParseDeviceMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioStart:
		var msg AudioStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.AudioData) == "" {
			return nil, errors.New("audio_chunk missing audio_data")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeTextMessage:
		var msg TextMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("text_message missing text")
		}
		return msg, nil
	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSystemStatus:
		var msg SystemStatus
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
