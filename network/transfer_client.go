package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
)

// UploadRequest describes one file pushed to the side channel.
type UploadRequest struct {
	Source      string
	Dest        string
	Path        string
	BufferSize  int
	DialTimeout time.Duration
	// OnProgress receives bytes sent so far and the total size.
	OnProgress func(done, total int64)
}

// DownloadRequest describes one file pulled from the side channel.
type DownloadRequest struct {
	Filename string
	// Size is the advertised size from the FILE notice; zero skips the check.
	Size        int64
	Dir         string
	BufferSize  int
	DialTimeout time.Duration
	OnProgress  func(done, total int64)
}

// Upload streams the file at req.Path to the transfer server and returns the
// bytes sent. It returns after the server has processed the upload and closed
// the connection.
func Upload(ctx context.Context, address string, req UploadRequest) (int64, error) {
	file, err := os.Open(req.Path)
	if err != nil {
		return 0, fmt.Errorf("open upload source: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat upload source: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("upload source %q is not a regular file", req.Path)
	}

	header := TransferHeader{
		Op:       TransferUpload,
		Source:   req.Source,
		Dest:     req.Dest,
		Filename: filenameOf(req.Path),
		Size:     info.Size(),
	}
	if !ValidFilename(header.Filename) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFilename, header.Filename)
	}

	conn, stop, err := dialTransfer(ctx, address, req.DialTimeout)
	if err != nil {
		return 0, err
	}
	defer stop()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := WriteTransferHeader(conn, header); err != nil {
		return 0, ctxErr(ctx, err)
	}
	if err := readTransferReply(reader); err != nil {
		return 0, ctxErr(ctx, err)
	}

	sent, err := copyChunks(conn, file, req.BufferSize, progressFunc(req.OnProgress, header.Size))
	if err != nil {
		return sent, ctxErr(ctx, fmt.Errorf("stream upload: %w", err))
	}
	if sent != header.Size {
		return sent, fmt.Errorf("%w: sent %d bytes, want %d", ErrSizeMismatch, sent, header.Size)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return sent, ctxErr(ctx, fmt.Errorf("half-close upload: %w", err))
		}
	}
	// Wait for the server to finish and close its side.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return sent, ctxErr(ctx, fmt.Errorf("await upload close: %w", err))
	}
	return sent, nil
}

// Download pulls req.Filename into req.Dir and returns the final path.
func Download(ctx context.Context, address string, req DownloadRequest) (string, error) {
	if !ValidFilename(req.Filename) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, req.Filename)
	}
	dir := req.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download directory: %w", err)
	}

	conn, stop, err := dialTransfer(ctx, address, req.DialTimeout)
	if err != nil {
		return "", err
	}
	defer stop()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if err := WriteTransferHeader(conn, TransferHeader{Op: TransferDownload, Filename: req.Filename}); err != nil {
		return "", ctxErr(ctx, err)
	}
	if err := readTransferReply(reader); err != nil {
		return "", ctxErr(ctx, err)
	}

	finalPath := filepath.Join(dir, req.Filename)
	// Each download gets its own temp name so parallel fetches of one file
	// never share a partial.
	file, err := os.CreateTemp(dir, req.Filename+".*.part")
	if err != nil {
		return "", fmt.Errorf("create download temp file: %w", err)
	}
	tempPath := file.Name()
	if err := file.Chmod(0o644); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("create download temp file: %w", err)
	}

	received, copyErr := copyChunks(file, reader, req.BufferSize, progressFunc(req.OnProgress, req.Size))
	closeErr := file.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && req.Size > 0 && received != req.Size {
		copyErr = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, received, req.Size)
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return "", ctxErr(ctx, fmt.Errorf("stream download: %w", copyErr))
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize download: %w", err)
	}
	return finalPath, nil
}

// dialTransfer connects and arranges for ctx cancellation to close the socket.
func dialTransfer(ctx context.Context, address string, timeout time.Duration) (net.Conn, func() bool, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, nil, fmt.Errorf("dial transfer %q: %w", address, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	return conn, stop, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrTransferRefused) {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}
	return err
}

func progressFunc(fn func(done, total int64), total int64) func(int64) {
	if fn == nil {
		return nil
	}
	return func(done int64) {
		fn(done, total)
	}
}

func filenameOf(path string) string {
	return filepath.Base(path)
}
