// Package wire frames relay traffic: a fixed-width header of type token,
// timestamp and payload length, each left justified and space padded,
// followed by the UTF-8 payload.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chatrelay/docstore"
	"chatrelay/models"
)

const (
	// MaxPayloadSize is the maximum accepted payload size (1 MB).
	MaxPayloadSize = 1024 * 1024
	// DefaultTypeWidth is the default width of the type token.
	DefaultTypeWidth = 1
	// DefaultLengthWidth is the default width of the length token.
	DefaultLengthWidth = 10
)

// Type is a frame type token.
type Type string

const (
	// Sent by clients.
	TypeMessage      Type = "m"
	TypeReceived     Type = "r"
	TypeEverythingOK Type = "k"
	TypeMissing      Type = "x"
	TypeUsername     Type = "u"
	TypePasscode     Type = "p"

	// Sent by the server.
	TypePasscodeCorrect   Type = "a"
	TypePasscodeIncorrect Type = "w"
	TypeUsernameAccepted  Type = "n"
	TypeUsernameExists    Type = "e"
	TypeClientJoined      Type = "j"
	TypeClientLeft        Type = "l"
)

var noticeTypes = map[models.NoticeKind]Type{
	models.NoticePasscodeCorrect:   TypePasscodeCorrect,
	models.NoticePasscodeIncorrect: TypePasscodeIncorrect,
	models.NoticeUsernameAccepted:  TypeUsernameAccepted,
	models.NoticeUsernameExists:    TypeUsernameExists,
	models.NoticeClientJoined:      TypeClientJoined,
	models.NoticeClientLeft:        TypeClientLeft,
}

var (
	// ErrFrameTooLarge indicates payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrInvalidType indicates the type token is missing or unknown.
	ErrInvalidType = errors.New("wire: invalid frame type")
	// ErrMalformedHeader indicates a header field could not be parsed.
	ErrMalformedHeader = errors.New("wire: malformed header")
	// ErrInvalidPayload indicates the payload is not valid UTF-8.
	ErrInvalidPayload = errors.New("wire: payload is not valid UTF-8")
)

// Known reports whether t is a recognised type token.
func (t Type) Known() bool {
	if t.FromClient() {
		return true
	}
	_, ok := t.NoticeKind()
	return ok
}

// FromClient reports whether t is sent by clients.
func (t Type) FromClient() bool {
	switch t {
	case TypeMessage, TypeReceived, TypeEverythingOK, TypeMissing, TypeUsername, TypePasscode:
		return true
	}
	return false
}

// NoticeKind returns the server notice kind carried by t.
func (t Type) NoticeKind() (models.NoticeKind, bool) {
	for kind, typ := range noticeTypes {
		if typ == t {
			return kind, true
		}
	}
	return "", false
}

// NoticeType returns the type token for a notice kind.
func NoticeType(kind models.NoticeKind) (Type, bool) {
	t, ok := noticeTypes[kind]
	return t, ok
}

// Widths configures the deployment specific header widths. The timestamp
// token is always docstore.TimestampWidth wide.
type Widths struct {
	Type   int
	Length int
}

// DefaultWidths returns the default header widths.
func DefaultWidths() Widths {
	return Widths{Type: DefaultTypeWidth, Length: DefaultLengthWidth}
}

// Frame is one decoded unit of traffic.
type Frame struct {
	Type      Type
	Timestamp time.Time
	Payload   []byte
}

// Codec encodes and decodes frames with fixed header widths.
type Codec struct {
	widths Widths
}

// NewCodec validates widths and returns a codec.
func NewCodec(widths Widths) (*Codec, error) {
	if widths.Type < 1 {
		return nil, fmt.Errorf("wire: type width %d must be at least 1", widths.Type)
	}
	if need := len(strconv.Itoa(MaxPayloadSize)); widths.Length < need {
		return nil, fmt.Errorf("wire: length width %d cannot hold max payload size (need %d)", widths.Length, need)
	}
	return &Codec{widths: widths}, nil
}

// HeaderSize returns the byte size of every header.
func (c *Codec) HeaderSize() int {
	return c.widths.Type + docstore.TimestampWidth + c.widths.Length
}

// Encode renders f as header plus payload.
func (c *Codec) Encode(f Frame) ([]byte, error) {
	if !f.Type.Known() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, f.Type)
	}
	if len(f.Type) > c.widths.Type {
		return nil, fmt.Errorf("%w: type %q wider than %d", ErrMalformedHeader, f.Type, c.widths.Type)
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	if !utf8.Valid(f.Payload) {
		return nil, ErrInvalidPayload
	}

	out := make([]byte, 0, c.HeaderSize()+len(f.Payload))
	out = append(out, pad(string(f.Type), c.widths.Type)...)
	out = append(out, docstore.FormatTimestamp(f.Timestamp)...)
	out = append(out, pad(strconv.Itoa(len(f.Payload)), c.widths.Length)...)
	out = append(out, f.Payload...)
	return out, nil
}

// WriteFrame writes one frame.
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	encoded, err := c.Encode(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame.
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, c.HeaderSize())
	if _, err := io.ReadFull(r, header); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}

	typeToken := strings.TrimRight(string(header[:c.widths.Type]), " ")
	tsToken := string(header[c.widths.Type : c.widths.Type+docstore.TimestampWidth])
	lengthToken := strings.TrimRight(string(header[c.widths.Type+docstore.TimestampWidth:]), " ")

	f := Frame{Type: Type(typeToken)}
	if !f.Type.Known() {
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidType, typeToken)
	}
	ts, err := docstore.ParseTimestamp(tsToken)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	f.Timestamp = ts

	length, err := strconv.Atoi(lengthToken)
	if err != nil || length < 0 {
		return Frame{}, fmt.Errorf("%w: length %q", ErrMalformedHeader, lengthToken)
	}
	if length > MaxPayloadSize {
		return Frame{}, ErrFrameTooLarge
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	if !utf8.Valid(f.Payload) {
		return Frame{}, ErrInvalidPayload
	}
	return f, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func (c *Codec) ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) (Frame, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Frame{}, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return c.ReadFrame(conn)
}

func pad(token string, width int) string {
	return fmt.Sprintf("%-*s", width, token)
}

// MessagePayload is the JSON body of a relayed peer message.
type MessagePayload struct {
	ID     string `json:"id"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
}

// NoticePayload is the JSON body of a server notice.
type NoticePayload struct {
	ID   string            `json:"id"`
	Kind models.NoticeKind `json:"kind"`
	Info string            `json:"info,omitempty"`
}

// EncodeJSON marshals a payload to JSON.
func EncodeJSON(payload any) ([]byte, error) {
	out, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return out, nil
}

// FrameFor builds the outbound frame for a stored document.
func FrameFor(doc docstore.Document) (Frame, error) {
	switch d := doc.(type) {
	case *models.PeerMessage:
		payload, err := EncodeJSON(MessagePayload{ID: d.ID, Sender: d.SenderName, Body: d.Body})
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: TypeMessage, Timestamp: d.SentAt, Payload: payload}, nil
	case *models.ServerNotice:
		typ, ok := NoticeType(d.Kind)
		if !ok {
			return Frame{}, fmt.Errorf("%w: notice kind %q", ErrInvalidType, d.Kind)
		}
		payload, err := EncodeJSON(NoticePayload{ID: d.ID, Kind: d.Kind, Info: d.Info})
		if err != nil {
			return Frame{}, err
		}
		return Frame{Type: typ, Timestamp: d.CreatedAt, Payload: payload}, nil
	default:
		return Frame{}, fmt.Errorf("wire: no frame for document %T", doc)
	}
}
