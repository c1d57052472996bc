// Package proto defines the JSON messages exchanged with peers over the
// realtime channel.
//
// Every frame is a JSON object with a "type" field. Inbound frames decode to
// one of the Message implementations below; outbound frames are built with
// the Encode helpers.
package proto

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Type is the value of a message envelope's "type" field.
type Type string

// Types of messages exchanged with peers.
const (
	TypeInit               Type = "init"
	TypeInitOK             Type = "init-ok"
	TypeExpired            Type = "expired"
	TypeClientConnected    Type = "client-connected"
	TypeReady              Type = "ready"
	TypeClientDisconnected Type = "client-disconnected"
	TypeList               Type = "list"
	TypeDownload           Type = "download"
	TypeFile               Type = "file"
	TypeUpload             Type = "upload"
	TypeError              Type = "error"
)

// ErrMalformed indicates a frame that isn't a valid message envelope.
var ErrMalformed = errors.New("malformed message")

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Type      Type     `json:"type"`
	SessionID string   `json:"sessionId,omitempty"`
	File      string   `json:"file,omitempty"`
	Name      string   `json:"name,omitempty"`
	Content   *string  `json:"content,omitempty"`
	Files     []string `json:"files,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// Message is an inbound message.
type Message interface {
	MessageType() Type
}

// Init binds the connection to a session.
type Init struct {
	SessionID string
}

// ClientConnected announces a newly joined peer.
type ClientConnected struct{}

// List requests the stored file names.
type List struct{}

// Download requests a file's content. File is empty when the peer didn't
// name one.
type Download struct {
	File string
}

// Upload carries a file. Content is base64 encoded.
type Upload struct {
	Name    string
	Content string
}

// Unknown is any message with an unrecognized type.
type Unknown struct {
	Type Type
}

func (Init) MessageType() Type            { return TypeInit }
func (ClientConnected) MessageType() Type { return TypeClientConnected }
func (List) MessageType() Type            { return TypeList }
func (Download) MessageType() Type        { return TypeDownload }
func (Upload) MessageType() Type          { return TypeUpload }
func (u Unknown) MessageType() Type       { return u.Type }

// Decode parses an inbound frame. Errors wrap ErrMalformed.
func Decode(b []byte) (Message, error) {
	var e struct {
		Type      *string `json:"type"`
		SessionID string  `json:"sessionId"`
		File      string  `json:"file"`
		Name      string  `json:"name"`
		Content   string  `json:"content"`
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	if e.Type == nil {
		return nil, errors.Wrap(ErrMalformed, "missing type")
	}

	switch t := Type(*e.Type); t {
	case TypeInit:
		return Init{SessionID: e.SessionID}, nil
	case TypeClientConnected:
		return ClientConnected{}, nil
	case TypeList:
		return List{}, nil
	case TypeDownload:
		return Download{File: e.File}, nil
	case TypeUpload:
		return Upload{Name: e.Name, Content: e.Content}, nil
	default:
		return Unknown{Type: t}, nil
	}
}

// Encode marshals an outbound envelope.
func Encode(e Envelope) []byte {
	// Envelope only holds strings; Marshal can't fail.
	b, _ := json.Marshal(e)
	return b
}

// InitOK acknowledges a successful init.
func InitOK() []byte { return Encode(Envelope{Type: TypeInitOK}) }

// Expired tells a peer its session is gone.
func Expired() []byte { return Encode(Envelope{Type: TypeExpired}) }

// Ready acknowledges a client-connected announcement.
func Ready() []byte { return Encode(Envelope{Type: TypeReady}) }

// PeerConnected is relayed to the other members of a session.
func PeerConnected() []byte { return Encode(Envelope{Type: TypeClientConnected}) }

// PeerDisconnected is sent to the members left in a session.
func PeerDisconnected() []byte { return Encode(Envelope{Type: TypeClientDisconnected}) }

// FileList carries the stored file names. A nil list encodes as [].
func FileList(files []string) []byte {
	if files == nil {
		files = []string{}
	}
	b, _ := json.Marshal(struct {
		Type  Type     `json:"type"`
		Files []string `json:"files"`
	}{TypeList, files})
	return b
}

// File carries a file's content, base64 encoded.
func File(name, content string) []byte {
	return Encode(Envelope{Type: TypeFile, Name: name, Content: &content})
}

// Error reports a failure to the requesting peer.
func Error(msg string) []byte {
	return Encode(Envelope{Type: TypeError, Message: msg})
}
