package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// TransferOp is the operation named in a side-channel header.
type TransferOp string

const (
	TransferUpload   TransferOp = "UP"
	TransferDownload TransferOp = "DOWN"

	ReplyOK    = "OK"
	ReplyError = "ERROR"

	transferHeaderFields = 5
)

var (
	// ErrMalformedHeader indicates a transfer header that cannot be parsed.
	ErrMalformedHeader = errors.New("network: malformed transfer header")
	// ErrInvalidFilename indicates a filename that is not a plain base name.
	ErrInvalidFilename = errors.New("network: invalid transfer filename")
	// ErrTransferRefused indicates the transfer server answered ERROR.
	ErrTransferRefused = errors.New("network: transfer refused")
	// ErrSizeMismatch indicates the streamed byte count differs from the header.
	ErrSizeMismatch = errors.New("network: transfer size mismatch")
)

// TransferHeader is the single line opening every side-channel connection.
type TransferHeader struct {
	Op       TransferOp
	Source   string
	Dest     string
	Filename string
	Size     int64
}

// String renders the header without the line terminator. DOWN headers leave
// source, dest, and size empty.
func (h TransferHeader) String() string {
	if h.Op == TransferDownload {
		return strings.Join([]string{string(h.Op), "", "", h.Filename, ""}, FieldSeparator)
	}
	return strings.Join([]string{
		string(h.Op),
		h.Source,
		h.Dest,
		h.Filename,
		strconv.FormatInt(h.Size, 10),
	}, FieldSeparator)
}

// ParseTransferHeader parses and shape-checks one header line.
func ParseTransferHeader(line string) (TransferHeader, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Split(line, FieldSeparator)
	if len(parts) != transferHeaderFields {
		return TransferHeader{}, fmt.Errorf("%w: got %d fields", ErrMalformedHeader, len(parts))
	}

	header := TransferHeader{
		Op:       TransferOp(parts[0]),
		Source:   parts[1],
		Dest:     parts[2],
		Filename: parts[3],
	}
	if !ValidFilename(header.Filename) {
		return TransferHeader{}, fmt.Errorf("%w: %q", ErrInvalidFilename, header.Filename)
	}

	switch header.Op {
	case TransferUpload:
		if header.Source == "" || header.Dest == "" {
			return TransferHeader{}, fmt.Errorf("%w: upload needs source and dest", ErrMalformedHeader)
		}
		size, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil || size < 0 {
			return TransferHeader{}, fmt.Errorf("%w: size %q", ErrMalformedHeader, parts[4])
		}
		header.Size = size
	case TransferDownload:
		if parts[4] != "" {
			size, err := strconv.ParseInt(parts[4], 10, 64)
			if err != nil || size < 0 {
				return TransferHeader{}, fmt.Errorf("%w: size %q", ErrMalformedHeader, parts[4])
			}
			header.Size = size
		}
	default:
		return TransferHeader{}, fmt.Errorf("%w: operation %q", ErrMalformedHeader, parts[0])
	}

	return header, nil
}

// ValidFilename reports whether name is a plain base name safe to join to a directory.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, "/\\\r\n"+FieldSeparator) {
		return false
	}
	return filepath.Base(name) == name
}

// WriteTransferHeader writes h followed by the line terminator.
func WriteTransferHeader(w io.Writer, h TransferHeader) error {
	if _, err := io.WriteString(w, h.String()+string(frameTerminator)); err != nil {
		return fmt.Errorf("write transfer header: %w", err)
	}
	return nil
}

func writeTransferReply(w io.Writer, reply string) error {
	_, err := io.WriteString(w, reply+string(frameTerminator))
	return err
}

// readTransferReply consumes the OK/ERROR line.
func readTransferReply(r *bufio.Reader) error {
	line, err := r.ReadString(frameTerminator)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: connection closed before reply", ErrTransferRefused)
		}
		return fmt.Errorf("read transfer reply: %w", err)
	}

	switch strings.TrimRight(line, "\r\n") {
	case ReplyOK:
		return nil
	case ReplyError:
		return ErrTransferRefused
	default:
		return fmt.Errorf("%w: unexpected reply %q", ErrTransferRefused, strings.TrimSpace(line))
	}
}
