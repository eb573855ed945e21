package ui

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/models"
	"relaychat/network"
)

type fakeChat struct {
	mu       sync.Mutex
	username string
	calls    []string
	exited   bool
}

func (f *fakeChat) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return nil
}

func (f *fakeChat) Username() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.username
}

func (f *fakeChat) SetUsername(name string) error {
	f.mu.Lock()
	f.username = name
	f.mu.Unlock()
	return f.record("name " + name)
}

func (f *fakeChat) ConnectTo(peer string) error      { return f.record("connect " + peer) }
func (f *fakeChat) DisconnectFrom(peer string) error { return f.record("disconnect " + peer) }
func (f *fakeChat) SendMessage(peer, text string) error {
	return f.record("msg " + peer + ";" + text)
}
func (f *fakeChat) RequestList() error { return f.record("list") }
func (f *fakeChat) SendRaw(tag network.Tag, payload string) error {
	return f.record("raw " + string(tag) + "|" + payload)
}
func (f *fakeChat) SendFile(dest, path string) error {
	return f.record("send " + dest + " " + filepath.Base(path))
}

func (f *fakeChat) Exit() error {
	f.mu.Lock()
	f.exited = true
	f.mu.Unlock()
	return f.record("exit")
}

func (f *fakeChat) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// syncBuffer guards a bytes.Buffer shared between the console and the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestConsole(t *testing.T, in io.Reader) (*Console, *fakeChat, *syncBuffer) {
	t.Helper()
	noPrompt := false
	out := &syncBuffer{}
	console := NewConsole(in, out, ConsoleOptions{Prompt: &noPrompt, AutoDownload: true})
	chat := &fakeChat{username: "alice"}
	console.Attach(chat)
	return console, chat, out
}

func TestConsoleRunDispatchesCommands(t *testing.T) {
	input := strings.Join([]string{
		"/list",
		"/connect bob",
		"/msg bob hello",
		"CMD|list",
		"/disconnect bob",
		"/quit",
		"/list",
	}, "\n") + "\n"

	console, chat, _ := newTestConsole(t, strings.NewReader(input))
	require.NoError(t, console.Run(context.Background(), make(chan struct{})))

	assert.Equal(t, []string{
		"list",
		"connect bob",
		"msg bob;hello",
		"raw CMD|list",
		"disconnect bob",
		"exit",
	}, chat.Calls())
}

func TestConsoleRunExitsOnEOF(t *testing.T) {
	console, chat, _ := newTestConsole(t, strings.NewReader("/list\n"))
	require.NoError(t, console.Run(context.Background(), make(chan struct{})))
	assert.Equal(t, []string{"list", "exit"}, chat.Calls())
}

func TestConsoleRunStopsWhenSessionEnds(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()

	console, _, out := newTestConsole(t, reader)
	done := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- console.Run(context.Background(), done)
	}()

	close(done)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("console did not stop after session ended")
	}
	assert.Contains(t, out.String(), "connection closed")
}

func TestConsoleRunWithoutSession(t *testing.T) {
	noPrompt := false
	console := NewConsole(strings.NewReader(""), io.Discard, ConsoleOptions{Prompt: &noPrompt})
	require.Error(t, console.Run(context.Background(), nil))
}

func TestConsolePlainTextNeedsActivePeer(t *testing.T) {
	console, chat, out := newTestConsole(t, strings.NewReader("hello\n"))
	require.NoError(t, console.Run(context.Background(), make(chan struct{})))

	assert.Equal(t, []string{"exit"}, chat.Calls())
	assert.Contains(t, out.String(), "not chatting with anyone")
}

func TestConsoleTracksPairingFromEvents(t *testing.T) {
	console, chat, out := newTestConsole(t, strings.NewReader(""))

	_, err := console.execute(chat, "/connect bob")
	require.NoError(t, err)
	console.HandleEvent(network.Event{Type: network.EventCommand, Text: network.ReplySuccess})
	assert.True(t, console.Roster().IsChatting("bob"))
	assert.Equal(t, "bob", console.Roster().Active())

	console.HandleEvent(network.Event{Type: network.EventCommand, Text: "connect carol"})
	console.HandleEvent(network.Event{Type: network.EventConnect, Peer: "carol", Text: "connect carol"})
	assert.Equal(t, "carol", console.Roster().Active())

	_, err = console.execute(chat, "plain line")
	require.NoError(t, err)

	console.HandleEvent(network.Event{Type: network.EventDisconnect, Peer: "carol"})
	assert.False(t, console.Roster().IsChatting("carol"))
	assert.Equal(t, "bob", console.Roster().Active())

	assert.Contains(t, chat.Calls(), "msg carol;plain line")
	text := out.String()
	assert.Contains(t, text, "* chatting with bob")
	assert.Contains(t, text, "* carol started chatting with you")
	assert.Contains(t, text, "* carol stopped chatting with you")
	assert.NotContains(t, text, "* connect carol")
}

func TestConsoleFailedConnectDoesNotPair(t *testing.T) {
	console, chat, out := newTestConsole(t, strings.NewReader(""))

	_, err := console.execute(chat, "/connect ghost")
	require.NoError(t, err)
	console.HandleEvent(network.Event{Type: network.EventError, Text: "Username not found."})
	console.HandleEvent(network.Event{Type: network.EventCommand, Text: network.ReplySuccess})

	assert.False(t, console.Roster().IsChatting("ghost"))
	assert.Contains(t, out.String(), "! Username not found.")
	assert.Contains(t, out.String(), "* ok")
}

func TestConsoleRendersServerEvents(t *testing.T) {
	console, _, out := newTestConsole(t, strings.NewReader(""))

	console.HandleEvent(network.Event{Type: network.EventMessage, Author: "bob", Text: "hi"})
	console.HandleEvent(network.Event{Type: network.EventConfig, Text: network.ReplySuccess})
	console.HandleEvent(network.Event{Type: network.EventList, Users: []string{"alice", "bob"}})
	console.HandleEvent(network.Event{Type: network.EventList})
	console.HandleEvent(network.Event{
		Type: network.EventFile,
		Peer: "bob",
		File: &models.FileNotice{Source: "bob", Filename: "pic.png", Size: 2048},
	})

	text := out.String()
	assert.Contains(t, text, "[bob] hi")
	assert.Contains(t, text, "* you are alice")
	assert.Contains(t, text, "* online: alice, bob")
	assert.Contains(t, text, "* nobody is online")
	assert.Contains(t, text, "* bob sent you pic.png (2.0 KB)")

	entry, ok := console.Transfers().Get(models.DirectionDownload, "pic.png")
	require.True(t, ok)
	assert.Equal(t, TransferActive, entry.State)
	assert.Equal(t, int64(2048), entry.Total)
}

func TestConsolePeersListing(t *testing.T) {
	console, chat, out := newTestConsole(t, strings.NewReader(""))

	console.HandleEvent(network.Event{Type: network.EventList, Users: []string{"alice", "bob", "carol"}})
	console.HandleEvent(network.Event{Type: network.EventConnect, Peer: "bob"})

	_, err := console.execute(chat, "/peers")
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "  > bob\n")
	assert.Contains(t, text, "    carol\n")
	assert.NotContains(t, text, " alice\n")
}

func TestConsoleSendFileTracksUpload(t *testing.T) {
	console, chat, out := newTestConsole(t, strings.NewReader(""))

	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o600))

	_, err := console.execute(chat, "/send bob "+path)
	require.NoError(t, err)
	assert.Contains(t, chat.Calls(), "send bob report.pdf")

	entry, ok := console.Transfers().Get(models.DirectionUpload, "report.pdf")
	require.True(t, ok)
	assert.Equal(t, int64(100), entry.Total)

	console.HandleUpload(models.TransferResult{Filename: "report.pdf", Peer: "bob", Path: path, Bytes: 100})
	entry, _ = console.Transfers().Get(models.DirectionUpload, "report.pdf")
	assert.Equal(t, TransferComplete, entry.State)
	assert.Contains(t, out.String(), "* sent report.pdf to bob (100 B)")

	_, err = console.execute(chat, "/send bob "+filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestConsoleDownloadFailureIsReported(t *testing.T) {
	console, _, out := newTestConsole(t, strings.NewReader(""))

	console.HandleDownload(models.TransferResult{Filename: "x.bin", Peer: "bob", Err: errors.New("refused")})
	entry, ok := console.Transfers().Get(models.DirectionDownload, "x.bin")
	require.True(t, ok)
	assert.Equal(t, TransferFailed, entry.State)
	assert.Contains(t, out.String(), "! downloading x.bin failed: refused")
}
