// Package coordinator runs the realtime protocol between peers of a pairing
// session. It validates incoming messages, mutates session and blob state and
// emits the resulting replies and broadcasts through the hub.
package coordinator

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/qrshare/internal/hub"
	"github.com/knadh/qrshare/internal/proto"
	"github.com/knadh/qrshare/internal/session"
	"github.com/knadh/qrshare/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Upload broadcast scopes.
const (
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// Messages of the error envelopes sent to peers.
const (
	msgFileNotFound  = "Requested file does not exist"
	msgReadFailed    = "Failed to read file"
	msgUploadFailed  = "Failed to upload file"
	msgInvalidUpload = "Invalid file content"
	msgListFailed    = "Failed to list files"
)

// ErrInvalidRequest indicates a message that lacks a required field.
var ErrInvalidRequest = errors.New("invalid request")

type state int

const (
	stateUnbound state = iota
	stateBound
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	default:
		return "closed"
	}
}

// Client is the protocol state of a single connection. A connection's
// messages are handled sequentially, so a Client is only ever touched by one
// goroutine.
type Client struct {
	conn      hub.Conn
	state     state
	sessionID string
}

// SessionID returns the session the client is bound to, if any.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Coordinator glues the session registry, the connection hub and the blob
// store together.
type Coordinator struct {
	reg   *session.Registry
	hub   *hub.Hub
	store store.Store

	globalUploads bool

	// Serializes uploads from the write until the resulting list has been
	// broadcast, so peers never receive an older list after a newer one.
	uploadMu sync.Mutex

	log zerolog.Logger
}

// New returns a new instance of Coordinator.
func New(reg *session.Registry, h *hub.Hub, st store.Store, cfg session.Config, l zerolog.Logger) *Coordinator {
	return &Coordinator{
		reg:           reg,
		hub:           h,
		store:         st,
		globalUploads: cfg.BroadcastUploads == ScopeGlobal,
		log:           l.With().Str("component", "coordinator").Logger(),
	}
}

// CreateSession registers a new session. A ttl <= 0 uses the default.
func (co *Coordinator) CreateSession(ttl time.Duration) session.Session {
	s := co.reg.Create(ttl)
	co.log.Info().Str("session", s.ID).Time("expires_at", s.ExpiresAt).Msg("session created")
	return s
}

// DeleteSession tears a session down. It reports false for unknown or
// already deleted sessions.
func (co *Coordinator) DeleteSession(id string) bool {
	return co.Teardown(id)
}

// ListFiles returns the names of every stored file.
func (co *Coordinator) ListFiles() ([]string, error) {
	return co.store.List()
}

// ReadFile returns the contents of a stored file.
func (co *Coordinator) ReadFile(name string) ([]byte, error) {
	return co.store.Get(name)
}

// Teardown removes a session, deletes its files and disconnects its members
// after sending them an expired notice. It's shared by explicit deletes and
// the expiry sweeper, and reports false if the session was already gone.
func (co *Coordinator) Teardown(id string) bool {
	files, ok := co.reg.Delete(id)
	if !ok {
		return false
	}

	var errs error
	for _, f := range files {
		if _, err := co.store.Delete(f); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil {
		co.log.Error().Err(errs).Str("session", id).Msg("error deleting session files")
	}

	n := co.hub.NotifyAndClose(id, proto.Expired())
	co.log.Info().Str("session", id).Int("files", len(files)).Int("peers", n).Msg("session cleaned")
	return true
}

// NewClient returns the protocol state for a freshly opened connection.
func (co *Coordinator) NewClient(c hub.Conn) *Client {
	return &Client{conn: c, state: stateUnbound}
}

// Serve runs a websocket peer through the protocol until it disconnects.
func (co *Coordinator) Serve(p *hub.Peer) {
	cl := co.NewClient(p)
	go p.RunWriter()
	p.RunListener(func(b []byte) {
		co.HandleMessage(cl, b)
	})
	co.Disconnect(cl)
}

// HandleMessage processes one inbound frame. Malformed frames are logged and
// dropped; nothing a peer sends terminates its connection except a failed
// init.
func (co *Coordinator) HandleMessage(cl *Client, b []byte) {
	if cl.state == stateClosed {
		return
	}

	m, err := proto.Decode(b)
	if err != nil {
		co.log.Warn().Err(err).Str("state", cl.state.String()).Msg("invalid message")
		return
	}

	if cl.state == stateUnbound {
		im, ok := m.(proto.Init)
		if !ok {
			co.log.Warn().Str("type", string(m.MessageType())).Msg("message before init, ignoring")
			return
		}
		co.handleInit(cl, im)
		return
	}

	switch msg := m.(type) {
	case proto.Init:
		co.log.Warn().Str("session", cl.sessionID).Msg("connection already initialized, ignoring init")
	case proto.ClientConnected:
		co.handleClientConnected(cl)
	case proto.List:
		co.handleList(cl)
	case proto.Download:
		co.handleDownload(cl, msg)
	case proto.Upload:
		co.handleUpload(cl, msg)
	case proto.Unknown:
		co.log.Warn().Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

// Disconnect moves a client to the closed state. A bound client leaves the
// hub and the remaining members of its session are told.
func (co *Coordinator) Disconnect(cl *Client) {
	prev := cl.state
	cl.state = stateClosed
	if prev != stateBound {
		return
	}

	id, ok := co.hub.Leave(cl.conn)
	if !ok {
		// The session was torn down and the hub already let go of it.
		return
	}
	co.hub.Broadcast(id, proto.PeerDisconnected(), nil)
	co.log.Debug().Str("session", id).Msg("client disconnected")
}

func (co *Coordinator) handleInit(cl *Client, m proto.Init) {
	if err := co.hub.Join(m.SessionID, cl.conn); err != nil {
		co.log.Info().Err(err).Str("session", m.SessionID).Msg("rejecting init")
		cl.state = stateClosed
		cl.conn.Send(proto.Expired())
		cl.conn.Close()
		return
	}
	cl.state = stateBound
	cl.sessionID = m.SessionID
	cl.conn.Send(proto.InitOK())
	co.log.Debug().Str("session", m.SessionID).Msg("client joined")
}

func (co *Coordinator) handleClientConnected(cl *Client) {
	cl.conn.Send(proto.Ready())
	co.hub.Broadcast(cl.sessionID, proto.PeerConnected(), cl.conn)
}

func (co *Coordinator) handleList(cl *Client) {
	files, err := co.store.List()
	if err != nil {
		co.log.Error().Err(err).Msg("error listing files")
		cl.conn.Send(proto.Error(msgListFailed))
		return
	}
	cl.conn.Send(proto.FileList(files))
}

func (co *Coordinator) handleDownload(cl *Client, m proto.Download) {
	if m.File == "" {
		co.log.Warn().Err(ErrInvalidRequest).Msg("download without a file name")
		return
	}

	b, err := co.store.Get(m.File)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			cl.conn.Send(proto.Error(msgFileNotFound))
			return
		}
		co.log.Error().Err(err).Str("file", m.File).Msg("error reading file")
		cl.conn.Send(proto.Error(msgReadFailed))
		return
	}
	cl.conn.Send(proto.File(m.File, base64.StdEncoding.EncodeToString(b)))
}

func (co *Coordinator) handleUpload(cl *Client, m proto.Upload) {
	if m.Name == "" {
		co.log.Warn().Err(ErrInvalidRequest).Msg("upload without a file name")
		return
	}

	data, err := decodeContent(m.Content)
	if err != nil {
		co.log.Warn().Err(err).Str("file", m.Name).Msg("invalid upload content")
		cl.conn.Send(proto.Error(msgInvalidUpload))
		return
	}

	co.uploadMu.Lock()
	defer co.uploadMu.Unlock()

	if err := co.store.Put(m.Name, data); err != nil {
		co.log.Error().Err(err).Str("file", m.Name).Msg("error uploading file")
		cl.conn.Send(proto.Error(msgUploadFailed))
		return
	}

	if err := co.reg.RecordFile(cl.sessionID, m.Name); err != nil {
		// The session ended while the file was being written. Nothing would
		// ever clean the file up, so drop it now.
		co.log.Warn().Err(err).Str("file", m.Name).Msg("upload to a finished session")
		if _, err := co.store.Delete(m.Name); err != nil {
			co.log.Error().Err(err).Str("file", m.Name).Msg("error deleting orphaned file")
		}
		return
	}
	co.log.Info().Str("session", cl.sessionID).Str("file", m.Name).Int("bytes", len(data)).Msg("file uploaded")

	files, err := co.store.List()
	if err != nil {
		co.log.Error().Err(err).Msg("error listing files")
		return
	}
	if co.globalUploads {
		co.hub.BroadcastAll(proto.FileList(files))
	} else {
		co.hub.Broadcast(cl.sessionID, proto.FileList(files), nil)
	}
}

// decodeContent accepts padded and unpadded standard base64.
func decodeContent(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if b, rerr := base64.RawStdEncoding.DecodeString(s); rerr == nil {
		return b, nil
	}
	return nil, errors.Wrap(err, "invalid base64")
}
