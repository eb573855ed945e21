package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"relaychat/models"
)

const (
	// DefaultChatPort is the TCP port the chat listener binds when unset.
	DefaultChatPort = 10023
	// DefaultFileTransferPort is the TCP port of the file side channel.
	DefaultFileTransferPort = 20023
	// DefaultBufferSize bounds one frame line and one transfer chunk.
	DefaultBufferSize = 1024
	// DefaultMaxConnections caps concurrently served connections per listener.
	DefaultMaxConnections = 100
	// DefaultDialTimeout bounds client dials.
	DefaultDialTimeout = 10 * time.Second

	// TagSeparator splits a frame into tag and payload.
	TagSeparator = "|"
	// FieldSeparator splits message, file notice, and transfer header fields.
	FieldSeparator = ";"
	// UserListSeparator joins usernames in a LIST payload.
	UserListSeparator = ", "

	frameTerminator = '\n'
)

// Tag identifies the protocol verb of one frame.
type Tag string

const (
	TagMSG  Tag = "MSG"
	TagERR  Tag = "ERR"
	TagCFG  Tag = "CFG"
	TagCMD  Tag = "CMD"
	TagLIST Tag = "LIST"
	TagFILE Tag = "FILE"
)

const (
	// ReplySuccess acknowledges CFG and CMD requests.
	ReplySuccess = "SUCCESS"

	ConfigSetUsername = "set_username"

	CommandList       = "list"
	CommandConnect    = "connect"
	CommandDisconnect = "disconnect"
	CommandExit       = "exit"
)

var (
	// ErrMalformedFrame indicates a frame without a tag separator.
	ErrMalformedFrame = errors.New("network: malformed frame")
	// ErrUnknownTag indicates a tag outside the recognised set.
	ErrUnknownTag = errors.New("network: unknown tag")
	// ErrFrameTooLarge indicates a frame line longer than the buffer size.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidPayload indicates a payload that cannot be framed on one line.
	ErrInvalidPayload = errors.New("network: payload contains line terminator")
	// ErrMalformedPayload indicates a payload whose sub-fields cannot be split.
	ErrMalformedPayload = errors.New("network: malformed payload")
)

// Frame is one decoded tag|payload unit.
type Frame struct {
	Tag     Tag
	Payload string
}

func (f Frame) String() string {
	return string(f.Tag) + TagSeparator + f.Payload
}

// Valid reports whether the tag is one of the recognised protocol tags.
func (t Tag) Valid() bool {
	switch t {
	case TagMSG, TagERR, TagCFG, TagCMD, TagLIST, TagFILE:
		return true
	default:
		return false
	}
}

// Encode renders a frame as tag|payload without the line terminator.
func Encode(tag Tag, payload string) []byte {
	out := make([]byte, 0, len(tag)+len(TagSeparator)+len(payload))
	out = append(out, tag...)
	out = append(out, TagSeparator...)
	out = append(out, payload...)
	return out
}

// Decode splits a raw frame on its first separator and validates the tag.
func Decode(raw []byte) (Frame, error) {
	raw = bytes.TrimRight(raw, "\r\n")
	idx := bytes.Index(raw, []byte(TagSeparator))
	if idx < 0 {
		return Frame{}, ErrMalformedFrame
	}

	tag := Tag(raw[:idx])
	if !tag.Valid() {
		return Frame{Tag: tag, Payload: string(raw[idx+1:])}, fmt.Errorf("%w: %q", ErrUnknownTag, string(tag))
	}
	return Frame{Tag: tag, Payload: string(raw[idx+1:])}, nil
}

// WriteFrame writes one terminated frame.
func WriteFrame(w io.Writer, tag Tag, payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return ErrInvalidPayload
	}

	line := append(Encode(tag, payload), frameTerminator)
	if _, err := w.Write(line); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads terminated frame lines no longer than a fixed size.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. Lines longer than maxSize yield ErrFrameTooLarge.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = DefaultBufferSize
	}
	return &FrameReader{
		r:       bufio.NewReaderSize(r, maxSize+1),
		maxSize: maxSize,
	}
}

// ReadLine returns the next raw line without its terminator.
//
// An oversized line is consumed up to its terminator and reported as
// ErrFrameTooLarge so the stream stays aligned on the next frame.
func (fr *FrameReader) ReadLine() ([]byte, error) {
	line, err := fr.r.ReadSlice(frameTerminator)
	switch {
	case err == nil:
		if len(line)-1 > fr.maxSize {
			return nil, ErrFrameTooLarge
		}
		out := make([]byte, len(line)-1)
		copy(out, line)
		return out, nil
	case errors.Is(err, bufio.ErrBufferFull):
		if discardErr := fr.discardLine(); discardErr != nil {
			return nil, discardErr
		}
		return nil, ErrFrameTooLarge
	case errors.Is(err, io.EOF) && len(line) > 0:
		return nil, io.ErrUnexpectedEOF
	default:
		return nil, err
	}
}

// ReadFrame reads and decodes the next frame. Decode errors are returned
// alongside the partially decoded frame and leave the reader usable.
func (fr *FrameReader) ReadFrame() (Frame, error) {
	line, err := fr.ReadLine()
	if err != nil {
		return Frame{}, err
	}
	return Decode(line)
}

// Buffered exposes the underlying reader so a caller can switch from line
// mode to raw bytes without losing read-ahead data.
func (fr *FrameReader) Buffered() *bufio.Reader {
	return fr.r
}

func (fr *FrameReader) discardLine() error {
	for {
		_, err := fr.r.ReadSlice(frameTerminator)
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// IsFrameError reports whether err is recoverable without closing the stream.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrMalformedFrame) || errors.Is(err, ErrUnknownTag) || errors.Is(err, ErrFrameTooLarge)
}

// SplitMessage splits "name;text" on the first field separator.
func SplitMessage(payload string) (name, text string, err error) {
	name, text, ok := strings.Cut(payload, FieldSeparator)
	if !ok {
		return "", "", ErrMalformedPayload
	}
	return name, text, nil
}

// JoinMessage builds a "name;text" payload.
func JoinMessage(name, text string) string {
	return name + FieldSeparator + text
}

// SplitCommand splits "verb arg" on the first space. The argument may be empty.
func SplitCommand(payload string) (verb, arg string) {
	verb, arg, _ = strings.Cut(payload, " ")
	return verb, strings.TrimSpace(arg)
}

// JoinCommand builds a "verb arg" payload, omitting the space when arg is empty.
func JoinCommand(verb, arg string) string {
	if arg == "" {
		return verb
	}
	return verb + " " + arg
}

// JoinUserList renders a LIST payload.
func JoinUserList(users []string) string {
	return strings.Join(users, UserListSeparator)
}

// SplitUserList parses a LIST payload. An empty payload is an empty roster.
func SplitUserList(payload string) []string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return []string{}
	}
	parts := strings.Split(payload, ",")
	users := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			users = append(users, name)
		}
	}
	return users
}

// FormatFileNotice renders a FILE payload.
func FormatFileNotice(notice models.FileNotice) string {
	return strings.Join([]string{
		notice.Source,
		notice.Filename,
		strconv.FormatInt(notice.Size, 10),
	}, FieldSeparator)
}

// ParseFileNotice parses "source;filename;size".
func ParseFileNotice(payload string) (models.FileNotice, error) {
	parts := strings.Split(payload, FieldSeparator)
	if len(parts) != 3 {
		return models.FileNotice{}, fmt.Errorf("%w: file notice has %d fields", ErrMalformedPayload, len(parts))
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || size < 0 {
		return models.FileNotice{}, fmt.Errorf("%w: file notice size %q", ErrMalformedPayload, parts[2])
	}
	return models.FileNotice{
		Source:   parts[0],
		Filename: parts[1],
		Size:     size,
	}, nil
}
