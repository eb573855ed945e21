package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"relaychat/models"
)

// ErrNoUsername indicates an operation that needs a claimed username.
var ErrNoUsername = errors.New("network: username not set")

// EventType classifies one inbound frame for the client application.
type EventType string

const (
	EventMessage    EventType = "message"
	EventError      EventType = "error"
	EventConfig     EventType = "config"
	EventCommand    EventType = "command"
	EventConnect    EventType = "connect"
	EventDisconnect EventType = "disconnect"
	EventList       EventType = "list"
	EventFile       EventType = "file"
)

// Event is one classified server frame.
type Event struct {
	Type   EventType
	Author string
	Text   string
	Peer   string
	Users  []string
	File   *models.FileNotice
}

// ClientOptions controls a ClientSession.
type ClientOptions struct {
	// Username is claimed right after connecting when non-empty.
	Username string
	// TransferAddress is the side-channel host:port. Defaults to the chat host
	// on DefaultFileTransferPort.
	TransferAddress string
	BufferSize      int
	DialTimeout     time.Duration

	DownloadDir  string
	AutoDownload bool

	// OnEvent runs on the receive goroutine, in socket order.
	OnEvent            func(Event)
	OnUploadComplete   func(models.TransferResult)
	OnDownloadComplete func(models.TransferResult)
	// OnTransferProgress runs on the transfer goroutine after each chunk.
	OnTransferProgress func(models.TransferProgress)

	Logger *zap.Logger
}

func (o ClientOptions) withDefaults(address string) ClientOptions {
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.TransferAddress == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		o.TransferAddress = net.JoinHostPort(host, strconv.Itoa(DefaultFileTransferPort))
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "."
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// ClientSession is the client side of one chat connection.
type ClientSession struct {
	conn    net.Conn
	reader  *FrameReader
	options ClientOptions
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex

	userMu          sync.Mutex
	username        string
	pendingUsername string

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.RWMutex
	err   error
}

// Dial connects to a chat server and starts the receive loop.
func Dial(ctx context.Context, address string, options ClientOptions) (*ClientSession, error) {
	opts := options.withDefaults(address)

	dialer := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	client := &ClientSession{
		conn:    conn,
		reader:  NewFrameReader(conn, opts.BufferSize),
		options: opts,
		logger:  opts.Logger.With(zap.String("remote_addr", address)),
		ctx:     sessionCtx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}

	go client.readLoop()

	if opts.Username != "" {
		if err := client.SetUsername(opts.Username); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

// Username returns the username the server acknowledged, or "".
func (c *ClientSession) Username() string {
	c.userMu.Lock()
	defer c.userMu.Unlock()
	return c.username
}

// SetUsername asks the server to bind name to this connection.
func (c *ClientSession) SetUsername(name string) error {
	c.userMu.Lock()
	c.pendingUsername = name
	c.userMu.Unlock()
	return c.send(TagCFG, JoinCommand(ConfigSetUsername, name))
}

// ConnectTo asks the server to pair this session with peer.
func (c *ClientSession) ConnectTo(peer string) error {
	return c.send(TagCMD, JoinCommand(CommandConnect, peer))
}

// DisconnectFrom asks the server to unpair this session from peer.
func (c *ClientSession) DisconnectFrom(peer string) error {
	return c.send(TagCMD, JoinCommand(CommandDisconnect, peer))
}

// SendMessage relays text to a paired peer.
func (c *ClientSession) SendMessage(peer, text string) error {
	return c.send(TagMSG, JoinMessage(peer, text))
}

// RequestList asks for the roster of claimed usernames.
func (c *ClientSession) RequestList() error {
	return c.send(TagCMD, CommandList)
}

// Exit asks the server to end the session.
func (c *ClientSession) Exit() error {
	return c.send(TagCMD, CommandExit)
}

// SendRaw writes an arbitrary frame.
func (c *ClientSession) SendRaw(tag Tag, payload string) error {
	return c.send(tag, payload)
}

// SendFile uploads path to dest in the background. The result is reported
// through OnUploadComplete.
func (c *ClientSession) SendFile(dest, path string) error {
	source := c.Username()
	if source == "" {
		return ErrNoUsername
	}

	go func() {
		bytes, err := Upload(c.ctx, c.options.TransferAddress, UploadRequest{
			Source:      source,
			Dest:        dest,
			Path:        path,
			BufferSize:  c.options.BufferSize,
			DialTimeout: c.options.DialTimeout,
			OnProgress:  c.progress(models.DirectionUpload, filenameOf(path), dest),
		})
		if err != nil {
			c.logger.Warn("upload failed", zap.String("peer", dest), zap.String("path", path), zap.Error(err))
		} else {
			c.logger.Info("upload complete", zap.String("peer", dest), zap.String("path", path), zap.Int64("bytes", bytes))
		}
		if c.options.OnUploadComplete != nil {
			c.options.OnUploadComplete(models.TransferResult{
				Filename: filenameOf(path),
				Peer:     dest,
				Path:     path,
				Bytes:    bytes,
				Err:      err,
			})
		}
	}()
	return nil
}

// DownloadFile pulls a noticed file into DownloadDir in the background.
func (c *ClientSession) DownloadFile(notice models.FileNotice) {
	go func() {
		path, err := Download(c.ctx, c.options.TransferAddress, DownloadRequest{
			Filename:    notice.Filename,
			Size:        notice.Size,
			Dir:         c.options.DownloadDir,
			BufferSize:  c.options.BufferSize,
			DialTimeout: c.options.DialTimeout,
			OnProgress:  c.progress(models.DirectionDownload, notice.Filename, notice.Source),
		})
		if err != nil {
			c.logger.Warn("download failed", zap.String("filename", notice.Filename), zap.Error(err))
		} else {
			c.logger.Info("download complete", zap.String("filename", notice.Filename), zap.String("path", path))
		}
		if c.options.OnDownloadComplete != nil {
			result := models.TransferResult{
				Filename: notice.Filename,
				Peer:     notice.Source,
				Path:     path,
				Err:      err,
			}
			if err == nil {
				result.Bytes = notice.Size
			}
			c.options.OnDownloadComplete(result)
		}
	}()
}

func (c *ClientSession) progress(direction models.TransferDirection, filename, peer string) func(done, total int64) {
	if c.options.OnTransferProgress == nil {
		return nil
	}
	return func(done, total int64) {
		c.options.OnTransferProgress(models.TransferProgress{
			Direction: direction,
			Filename:  filename,
			Peer:      peer,
			Done:      done,
			Total:     total,
		})
	}
}

// StartListPolling requests the roster every interval until the session closes.
func (c *ClientSession) StartListPolling(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := c.RequestList(); err != nil {
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

// Done is closed when the receive loop ends.
func (c *ClientSession) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that ended the receive loop, if any.
func (c *ClientSession) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Close closes the connection and cancels in-flight transfers.
func (c *ClientSession) Close() error {
	c.cancel()
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *ClientSession) send(tag Tag, payload string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return WriteFrame(c.conn, tag, payload)
}

func (c *ClientSession) readLoop() {
	defer c.finish()

	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			if IsFrameError(err) {
				c.emit(Event{Type: EventError, Text: err.Error()})
				continue
			}
			if !isClosedConnError(err) {
				c.errMu.Lock()
				c.err = err
				c.errMu.Unlock()
			}
			return
		}

		for _, event := range c.classify(frame) {
			c.emit(event)
		}
	}
}

func (c *ClientSession) finish() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
	})
}

func (c *ClientSession) classify(frame Frame) []Event {
	switch frame.Tag {
	case TagMSG:
		author, text, err := SplitMessage(frame.Payload)
		if err != nil {
			return []Event{{Type: EventError, Text: fmt.Sprintf("malformed message %q", frame.Payload)}}
		}
		return []Event{{Type: EventMessage, Author: author, Text: text}}
	case TagERR:
		return []Event{{Type: EventError, Text: frame.Payload}}
	case TagCFG:
		if frame.Payload == ReplySuccess {
			c.userMu.Lock()
			if c.pendingUsername != "" {
				c.username = c.pendingUsername
				c.pendingUsername = ""
			}
			c.userMu.Unlock()
		}
		return []Event{{Type: EventConfig, Text: frame.Payload}}
	case TagCMD:
		events := []Event{{Type: EventCommand, Text: frame.Payload}}
		verb, arg := SplitCommand(frame.Payload)
		if arg != "" {
			switch verb {
			case CommandConnect:
				events = append(events, Event{Type: EventConnect, Peer: arg, Text: frame.Payload})
			case CommandDisconnect:
				events = append(events, Event{Type: EventDisconnect, Peer: arg, Text: frame.Payload})
			}
		}
		return events
	case TagLIST:
		return []Event{{Type: EventList, Users: SplitUserList(frame.Payload), Text: frame.Payload}}
	case TagFILE:
		notice, err := ParseFileNotice(frame.Payload)
		if err != nil {
			return []Event{{Type: EventError, Text: err.Error()}}
		}
		if c.options.AutoDownload {
			c.DownloadFile(notice)
		}
		return []Event{{Type: EventFile, Peer: notice.Source, File: &notice}}
	default:
		return []Event{{Type: EventError, Text: fmt.Sprintf("unexpected frame %s", frame)}}
	}
}

func (c *ClientSession) emit(event Event) {
	if c.options.OnEvent != nil {
		c.options.OnEvent(event)
	}
}
