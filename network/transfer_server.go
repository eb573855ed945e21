package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"relaychat/crypto"
	"relaychat/models"
	"relaychat/storage"
)

// TransferOptions configures the file side-channel listener.
type TransferOptions struct {
	// FilesDir holds completed uploads. It is created on demand.
	FilesDir       string
	BufferSize     int
	MaxConnections int
	AcceptRate     rate.Limit
	AcceptBurst    int

	Store  *storage.Store
	Logger *zap.Logger
}

func (o TransferOptions) withDefaults() TransferOptions {
	if o.FilesDir == "" {
		o.FilesDir = "files"
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.AcceptBurst <= 0 {
		o.AcceptBurst = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// TransferServer accepts one-shot upload and download connections.
type TransferServer struct {
	listener net.Listener
	registry *Registry
	options  TransferOptions
	logger   *zap.Logger

	slots   *semaphore.Weighted
	limiter *ipRateLimiter

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	// names serializes publishing and lookup of one stored filename.
	names *nameLocks

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenTransfer starts the side-channel listener. Uploads are correlated with
// chat sessions through registry.
func ListenTransfer(address string, registry *Registry, options TransferOptions) (*TransferServer, error) {
	if registry == nil {
		return nil, errors.New("network: transfer listener requires a registry")
	}
	opts := options.withDefaults()
	if err := os.MkdirAll(opts.FilesDir, 0o700); err != nil {
		return nil, fmt.Errorf("create files directory: %w", err)
	}

	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &TransferServer{
		listener: listener,
		registry: registry,
		options:  opts,
		logger:   opts.Logger.With(zap.String("listener", "transfer")),
		slots:    semaphore.NewWeighted(int64(opts.MaxConnections)),
		limiter:  newIPRateLimiter(opts.AcceptRate, opts.AcceptBurst),
		conns:    make(map[net.Conn]struct{}),
		names:    newNameLocks(),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *TransferServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Errors returns asynchronous transfer errors.
func (s *TransferServer) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, aborts in-flight transfers, and waits for handlers.
func (s *TransferServer) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()

		s.connsMu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.connsMu.Unlock()

		s.wg.Wait()
		close(s.errs)
	})
	return closeErr
}

func (s *TransferServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept transfer connection: %w", err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		if !s.limiter.Allow(conn.RemoteAddr()) || !s.slots.TryAcquire(1) {
			s.logger.Warn("transfer connection refused", zap.String("remote_addr", conn.RemoteAddr().String()))
			_ = writeTransferReply(conn, ReplyError)
			_ = conn.Close()
			continue
		}

		if !s.track(conn) {
			s.slots.Release(1)
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *TransferServer) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.closed:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *TransferServer) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *TransferServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.slots.Release(1)
	defer s.untrack(conn)
	defer conn.Close()

	logger := s.logger.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	reader := NewFrameReader(conn, s.options.BufferSize)

	line, err := reader.ReadLine()
	if err != nil {
		logger.Warn("read transfer header failed", zap.Error(err))
		if !isClosedConnError(err) {
			_ = writeTransferReply(conn, ReplyError)
		}
		return
	}

	header, err := ParseTransferHeader(string(line))
	if err != nil {
		logger.Warn("invalid transfer header", zap.Error(err))
		_ = writeTransferReply(conn, ReplyError)
		return
	}

	logger = logger.With(zap.String("op", string(header.Op)), zap.String("filename", header.Filename))
	switch header.Op {
	case TransferUpload:
		s.receiveUpload(conn, reader.Buffered(), header, logger)
	case TransferDownload:
		s.serveDownload(conn, header, logger)
	}
}

func (s *TransferServer) receiveUpload(conn net.Conn, body *bufio.Reader, header TransferHeader, logger *zap.Logger) {
	logger = logger.With(zap.String("username", header.Source), zap.String("peer", header.Dest))

	if !s.registry.IsOnline(header.Source) || !s.registry.IsOnline(header.Dest) {
		logger.Warn("upload refused: source or dest not online")
		_ = writeTransferReply(conn, ReplyError)
		return
	}

	fileID := uuid.NewString()
	finalPath := filepath.Join(s.options.FilesDir, header.Filename)
	tempPath := finalPath + "." + fileID + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		logger.Error("create upload temp file failed", zap.Error(err))
		_ = writeTransferReply(conn, ReplyError)
		return
	}

	if s.options.Store != nil {
		if err := s.options.Store.CreateFileRecord(storage.FileRecord{
			FileID:     fileID,
			FromUser:   header.Source,
			ToUser:     header.Dest,
			Filename:   header.Filename,
			Filesize:   header.Size,
			StoredPath: finalPath,
		}); err != nil {
			logger.Warn("create file record failed", zap.Error(err))
		}
	}

	if err := writeTransferReply(conn, ReplyOK); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		s.failRecord(fileID, 0, logger)
		logger.Warn("write upload reply failed", zap.Error(err))
		return
	}

	hasher := crypto.NewHasher()
	progress := newProgressLogger(logger, header.Size)
	// Read one byte past the advertised size so an oversized stream is detected.
	limit := header.Size
	if limit < math.MaxInt64 {
		limit++
	}
	received, copyErr := copyChunks(io.MultiWriter(file, hasher), io.LimitReader(body, limit), s.options.BufferSize, progress.update)
	closeErr := file.Close()

	if copyErr == nil && closeErr != nil {
		copyErr = closeErr
	}
	if copyErr == nil && received != header.Size {
		copyErr = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, received, header.Size)
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		s.failRecord(fileID, received, logger)
		logger.Warn("upload failed", zap.Int64("bytes", received), zap.Error(copyErr))
		s.reportError(fmt.Errorf("upload %q: %w", header.Filename, copyErr))
		return
	}

	checksum := crypto.HexSum(hasher)
	if err := s.publishUpload(fileID, tempPath, finalPath, header.Filename, received, checksum, logger); err != nil {
		_ = os.Remove(tempPath)
		s.failRecord(fileID, received, logger)
		logger.Error("finalize upload failed", zap.Error(err))
		return
	}
	if s.options.Store != nil {
		s.recordEvent(conn, storage.SessionEventFileUploaded, header.Source, header.Filename, logger)
	}
	logger.Info("upload complete", zap.Int64("bytes", received), zap.String("checksum", checksum))

	dest, ok := s.registry.Lookup(header.Dest)
	if !ok {
		logger.Info("recipient left before upload finished; notice skipped")
		return
	}
	notice := models.FileNotice{Source: header.Source, Filename: header.Filename, Size: received}
	if err := dest.Notify(TagFILE, FormatFileNotice(notice)); err != nil {
		logger.Warn("send file notice failed", zap.Error(err))
	}
}

// publishUpload moves a finished upload into place and completes its ledger
// row while holding the filename lock, so the latest row always describes the
// bytes on disk.
func (s *TransferServer) publishUpload(fileID, tempPath, finalPath, filename string, received int64, checksum string, logger *zap.Logger) error {
	unlock := s.names.lock(filename)
	defer unlock()

	if err := os.Rename(tempPath, finalPath); err != nil {
		return err
	}
	if s.options.Store != nil {
		if err := s.options.Store.CompleteFileRecord(fileID, received, checksum); err != nil {
			logger.Warn("complete file record failed", zap.Error(err))
		}
	}
	return nil
}

// openStored resolves filename to its newest ledger row, if any, and opens the
// stored bytes under the filename lock.
func (s *TransferServer) openStored(filename string, logger *zap.Logger) (*os.File, *storage.FileRecord, error) {
	unlock := s.names.lock(filename)
	defer unlock()

	path := filepath.Join(s.options.FilesDir, filename)
	var record *storage.FileRecord
	if s.options.Store != nil {
		found, err := s.options.Store.LatestFileByName(filename)
		switch {
		case err == nil:
			record = found
			path = found.StoredPath
		case !errors.Is(err, storage.ErrNotFound):
			logger.Warn("look up file record failed", zap.Error(err))
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return file, record, nil
}

func (s *TransferServer) serveDownload(conn net.Conn, header TransferHeader, logger *zap.Logger) {
	file, record, err := s.openStored(header.Filename, logger)
	if err != nil {
		logger.Warn("download refused: file unavailable", zap.Error(err))
		_ = writeTransferReply(conn, ReplyError)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil || !info.Mode().IsRegular() {
		logger.Warn("download refused: not a regular file")
		_ = writeTransferReply(conn, ReplyError)
		return
	}

	if err := writeTransferReply(conn, ReplyOK); err != nil {
		logger.Warn("write download reply failed", zap.Error(err))
		return
	}

	progress := newProgressLogger(logger, info.Size())
	sent, err := copyChunks(conn, file, s.options.BufferSize, progress.update)
	if err != nil {
		logger.Warn("download failed", zap.Int64("bytes", sent), zap.Error(err))
		return
	}

	if record != nil {
		if err := s.options.Store.IncrementDownloadCount(record.FileID); err != nil {
			logger.Warn("increment download count failed", zap.Error(err))
		}
	}
	if s.options.Store != nil {
		s.recordEvent(conn, storage.SessionEventFileDownloaded, "", header.Filename, logger)
	}
	logger.Info("download complete", zap.Int64("bytes", sent))
}

func (s *TransferServer) failRecord(fileID string, received int64, logger *zap.Logger) {
	if s.options.Store == nil {
		return
	}
	if err := s.options.Store.FailFileRecord(fileID, received); err != nil {
		logger.Warn("fail file record failed", zap.Error(err))
	}
}

func (s *TransferServer) recordEvent(conn net.Conn, eventType, username, details string, logger *zap.Logger) {
	var user *string
	if username != "" {
		user = &username
	}
	if err := s.options.Store.RecordSessionEvent(storage.SessionEvent{
		EventType:  eventType,
		RemoteAddr: conn.RemoteAddr().String(),
		Username:   user,
		Details:    details,
	}); err != nil {
		logger.Warn("record transfer event failed", zap.Error(err))
	}
}

func (s *TransferServer) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

// copyChunks copies src to dst through a bufferSize scratch buffer and calls
// onChunk with the running total after every write.
func copyChunks(dst io.Writer, src io.Reader, bufferSize int, onChunk func(int64)) (int64, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	buf := make([]byte, bufferSize)

	var total int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return total, err
			}
			total += int64(n)
			if onChunk != nil {
				onChunk(total)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return total, nil
			}
			return total, readErr
		}
	}
}

// progressLogger logs transfer progress at quarter steps.
type progressLogger struct {
	logger *zap.Logger
	total  int64
	next   int
}

func newProgressLogger(logger *zap.Logger, total int64) *progressLogger {
	return &progressLogger{logger: logger, total: total, next: 25}
}

func (p *progressLogger) update(done int64) {
	if p.total <= 0 {
		return
	}
	percent := int(done * 100 / p.total)
	for p.next <= 100 && percent >= p.next {
		p.logger.Debug("transfer progress", zap.Int("percent", p.next), zap.Int64("bytes", done))
		p.next += 25
	}
}

// nameLocks hands out one mutex per filename, dropped once nobody holds it.
type nameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	mu   sync.Mutex
	refs int
}

func newNameLocks() *nameLocks {
	return &nameLocks{locks: make(map[string]*nameLock)}
}

func (n *nameLocks) lock(name string) (unlock func()) {
	n.mu.Lock()
	entry, ok := n.locks[name]
	if !ok {
		entry = &nameLock{}
		n.locks[name] = entry
	}
	entry.refs++
	n.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		n.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(n.locks, name)
		}
		n.mu.Unlock()
	}
}
