package network

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaychat/storage"
)

const testTimeout = 2 * time.Second

func startTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()

	server, err := Listen("127.0.0.1:0", opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// lineClient drives the chat protocol with raw frames.
type lineClient struct {
	t      *testing.T
	conn   net.Conn
	reader *FrameReader
}

func dialLine(t *testing.T, address string) *lineClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, testTimeout)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &lineClient{t: t, conn: conn, reader: NewFrameReader(conn, 64*1024)}
}

func (c *lineClient) sendLine(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *lineClient) next() Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	frame, err := c.reader.ReadFrame()
	require.NoError(c.t, err)
	return frame
}

func (c *lineClient) expect(tag Tag, payload string) {
	c.t.Helper()
	frame := c.next()
	require.Equal(c.t, tag, frame.Tag, "payload %q", frame.Payload)
	require.Equal(c.t, payload, frame.Payload)
}

// expectSilence asserts no frame arrives within d.
func (c *lineClient) expectSilence(d time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(d)))
	frame, err := c.reader.ReadFrame()
	if err == nil {
		c.t.Fatalf("expected no frame, got %s", frame)
	}
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	require.True(c.t, netErr.Timeout(), "expected timeout, got %v", err)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Time{}))
}

// expectClosed asserts the server closes the connection.
func (c *lineClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err := c.reader.ReadFrame()
	require.Error(c.t, err)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.t.Fatalf("timed out waiting for close")
	}
}

func (c *lineClient) login(name string) {
	c.t.Helper()
	c.sendLine("CFG|set_username " + name)
	c.expect(TagCFG, ReplySuccess)
}

func (c *lineClient) connectTo(peer *lineClient, self, name string) {
	c.t.Helper()
	c.sendLine("CMD|connect " + name)
	peer.expect(TagCMD, "connect "+self)
	c.expect(TagCMD, ReplySuccess)
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func createFixtureFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}
