package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PartKind string

const (
	PartText       PartKind = "text"
	PartAttachment PartKind = "attachment"
)

type RecordKind string

const (
	RecordRequest  RecordKind = "request"
	RecordResponse RecordKind = "response"
)

const (
	attachedNote        = " (document attached)"
	documentOnlyText    = "[document content]"
	undisplayablePrompt = "[User message - unable to display content]"
)

// ErrInvalidRecord marks a record that cannot be flattened into a Message.
var ErrInvalidRecord = errors.New("invalid message record")

// Attachment describes a binary document sent along with a prompt. Ref is the
// sha256 of Data.
type Attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Ref       string `json:"ref"`
	Size      int64  `json:"size"`
	Data      []byte `json:"data,omitempty"`
}

// NewAttachment wraps data, computing its reference and size.
func NewAttachment(name, mediaType string, data []byte) *Attachment {
	sum := sha256.Sum256(data)
	return &Attachment{
		Name:      name,
		MediaType: mediaType,
		Ref:       hex.EncodeToString(sum[:]),
		Size:      int64(len(data)),
		Data:      data,
	}
}

// MessagePart is either a text fragment or an attachment.
type MessagePart struct {
	Kind       PartKind    `json:"part_kind"`
	Timestamp  time.Time   `json:"timestamp"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func TextPart(text string, at time.Time) MessagePart {
	return MessagePart{Kind: PartText, Timestamp: at, Text: text}
}

func AttachmentPart(att *Attachment, at time.Time) MessagePart {
	return MessagePart{Kind: PartAttachment, Timestamp: at, Attachment: att}
}

// FirstText returns the raw text of the first text part, or "" when there is
// none.
func FirstText(parts []MessagePart) string {
	for _, p := range parts {
		if p.Kind == PartText {
			return p.Text
		}
	}
	return ""
}

// Record is one side of an exchange: the user's request or the model's response.
type Record struct {
	Kind  RecordKind    `json:"kind"`
	Parts []MessagePart `json:"parts"`
}

// Turn is the unit appended to the log: the request and the response of one
// completed exchange.
type Turn struct {
	Request  Record
	Response Record
}

// NewTurn assembles the turn for a finished exchange.
func NewTurn(prompt []MessagePart, response string, respondedAt time.Time) Turn {
	parts := make([]MessagePart, len(prompt))
	copy(parts, prompt)
	return Turn{
		Request:  Record{Kind: RecordRequest, Parts: parts},
		Response: Record{Kind: RecordResponse, Parts: []MessagePart{TextPart(response, respondedAt)}},
	}
}

// Records returns the turn in log order.
func (t Turn) Records() []Record {
	return []Record{t.Request, t.Response}
}

// EncodeTurn serialises a turn into the opaque payload stored in one log row.
func EncodeTurn(t Turn) ([]byte, error) {
	data, err := json.Marshal(t.Records())
	if err != nil {
		return nil, fmt.Errorf("encode turn: %w", err)
	}
	return data, nil
}

// DecodeTurn parses a stored payload and checks every record can be flattened.
func DecodeTurn(payload []byte) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: empty turn", ErrInvalidRecord)
	}
	for i := range records {
		if _, err := FlattenRecord(records[i]); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// FlattenRecord produces the display form of a record. Requests show their
// first text fragment, plus a note when a document was attached.
func FlattenRecord(r Record) (Message, error) {
	if len(r.Parts) == 0 {
		return Message{}, fmt.Errorf("%w: %s record without parts", ErrInvalidRecord, r.Kind)
	}
	first := r.Parts[0]
	switch r.Kind {
	case RecordRequest:
		var text, note string
		found := false
		for _, p := range r.Parts {
			switch p.Kind {
			case PartText:
				if !found {
					text, found = p.Text, true
				}
			case PartAttachment:
				note = attachedNote
			default:
				return Message{}, fmt.Errorf("%w: unknown part kind %q", ErrInvalidRecord, p.Kind)
			}
		}
		if text == "" && note != "" {
			text = documentOnlyText
		}
		if text == "" {
			text = undisplayablePrompt
		}
		return Message{Role: RoleUser, Timestamp: FormatTimestamp(first.Timestamp), Content: text + note}, nil
	case RecordResponse:
		if first.Kind != PartText {
			return Message{}, fmt.Errorf("%w: response starts with %q part", ErrInvalidRecord, first.Kind)
		}
		return Message{Role: RoleModel, Timestamp: FormatTimestamp(first.Timestamp), Content: first.Text}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown record kind %q", ErrInvalidRecord, r.Kind)
	}
}

// History is the ordered list of records reconstructed from the log.
type History []Record

// Messages flattens the history. Records are validated when decoded, so any
// record that still fails to flatten is left out.
func (h History) Messages() []Message {
	msgs := make([]Message, 0, len(h))
	for _, r := range h {
		m, err := FlattenRecord(r)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}
