package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/term"

	"relaychat/models"
	"relaychat/network"
)

// Chat is the subset of network.ClientSession the console drives.
type Chat interface {
	Username() string
	SetUsername(name string) error
	ConnectTo(peer string) error
	DisconnectFrom(peer string) error
	SendMessage(peer, text string) error
	RequestList() error
	Exit() error
	SendRaw(tag network.Tag, payload string) error
	SendFile(dest, path string) error
}

// ConsoleOptions controls a Console.
type ConsoleOptions struct {
	// Prompt forces the "> " prompt on or off. Nil detects a terminal on stdin.
	Prompt       *bool
	AutoDownload bool
	Logger       *zap.Logger
}

// Console is a line-oriented chat client over a Chat.
type Console struct {
	in     io.Reader
	out    io.Writer
	prompt bool
	logger *zap.Logger

	autoDownload bool

	outMu sync.Mutex

	chatMu sync.RWMutex
	chat   Chat

	roster    *Roster
	transfers *TransferTracker

	pendingMu      sync.Mutex
	pendingConnect string
}

// NewConsole creates a console reading commands from in and writing to out.
// Attach must be called before Run.
func NewConsole(in io.Reader, out io.Writer, options ConsoleOptions) *Console {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	prompt := false
	if options.Prompt != nil {
		prompt = *options.Prompt
	} else if file, ok := in.(*os.File); ok {
		prompt = term.IsTerminal(int(file.Fd()))
	}

	return &Console{
		in:           in,
		out:          out,
		prompt:       prompt,
		logger:       logger,
		autoDownload: options.AutoDownload,
		roster:       NewRoster(),
		transfers:    NewTransferTracker(),
	}
}

// Attach binds the chat session the console sends commands to.
func (c *Console) Attach(chat Chat) {
	c.chatMu.Lock()
	c.chat = chat
	c.chatMu.Unlock()
}

// Roster exposes the console's view of online and paired users.
func (c *Console) Roster() *Roster {
	return c.roster
}

// Transfers exposes the console's transfer tracker.
func (c *Console) Transfers() *TransferTracker {
	return c.transfers
}

// Run reads commands until the input ends, the user quits, ctx is cancelled,
// or done is closed.
func (c *Console) Run(ctx context.Context, done <-chan struct{}) error {
	chat := c.session()
	if chat == nil {
		return errors.New("console has no chat session attached")
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.showPrompt()
	for {
		select {
		case <-ctx.Done():
			_ = chat.Exit()
			return ctx.Err()
		case <-done:
			c.printf("* connection closed\n")
			return nil
		case err := <-readErr:
			_ = chat.Exit()
			return err
		case line := <-lines:
			quit, err := c.execute(chat, line)
			if err != nil {
				c.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
			c.showPrompt()
		}
	}
}

func (c *Console) execute(chat Chat, line string) (bool, error) {
	cmd, err := parseInput(line, c.roster.Active())
	if err != nil {
		return false, err
	}

	switch cmd.kind {
	case cmdNone:
		return false, nil
	case cmdMessage:
		return false, chat.SendMessage(cmd.peer, cmd.text)
	case cmdConnect:
		c.pendingMu.Lock()
		c.pendingConnect = cmd.peer
		c.pendingMu.Unlock()
		return false, chat.ConnectTo(cmd.peer)
	case cmdDisconnect:
		c.roster.Unmark(cmd.peer)
		return false, chat.DisconnectFrom(cmd.peer)
	case cmdList:
		return false, chat.RequestList()
	case cmdPeers:
		c.printPeers(chat.Username())
		return false, nil
	case cmdUse:
		if !c.roster.SetActive(cmd.peer) {
			return false, fmt.Errorf("not chatting with %s", cmd.peer)
		}
		c.printf("* now talking to %s\n", cmd.peer)
		return false, nil
	case cmdName:
		return false, chat.SetUsername(cmd.text)
	case cmdSend:
		path := expandHome(cmd.path)
		info, err := os.Stat(path)
		if err != nil {
			return false, err
		}
		if err := chat.SendFile(cmd.peer, path); err != nil {
			return false, err
		}
		c.transfers.Start(models.DirectionUpload, filepath.Base(path), cmd.peer, info.Size())
		c.printf("* sending %s to %s (%s)\n", filepath.Base(path), cmd.peer, formatBytes(info.Size()))
		return false, nil
	case cmdTransfers:
		c.printTransfers()
		return false, nil
	case cmdRaw:
		return false, chat.SendRaw(cmd.raw.Tag, cmd.raw.Payload)
	case cmdHelp:
		c.printf("%s\n", helpText)
		return false, nil
	case cmdQuit:
		return true, chat.Exit()
	default:
		return false, nil
	}
}

// HandleEvent renders one server event. It is safe to use as
// network.ClientOptions.OnEvent.
func (c *Console) HandleEvent(event network.Event) {
	switch event.Type {
	case network.EventMessage:
		c.printf("[%s] %s\n", event.Author, event.Text)
	case network.EventError:
		c.clearPendingConnect()
		c.printf("! %s\n", event.Text)
	case network.EventConfig:
		if event.Text == network.ReplySuccess {
			if chat := c.session(); chat != nil && chat.Username() != "" {
				c.printf("* you are %s\n", chat.Username())
				return
			}
			c.printf("* username accepted\n")
			return
		}
		c.printf("* config: %s\n", event.Text)
	case network.EventCommand:
		if event.Text == network.ReplySuccess {
			if peer := c.clearPendingConnect(); peer != "" {
				c.roster.MarkChatting(peer)
				c.printf("* chatting with %s\n", peer)
				return
			}
			c.printf("* ok\n")
			return
		}
		if verb, _ := network.SplitCommand(event.Text); verb != network.CommandConnect && verb != network.CommandDisconnect {
			c.printf("* %s\n", event.Text)
		}
	case network.EventConnect:
		c.roster.MarkChatting(event.Peer)
		c.printf("* %s started chatting with you\n", event.Peer)
	case network.EventDisconnect:
		c.roster.Unmark(event.Peer)
		c.printf("* %s stopped chatting with you\n", event.Peer)
	case network.EventList:
		c.roster.SetOnline(event.Users)
		if len(event.Users) == 0 {
			c.printf("* nobody is online\n")
			return
		}
		c.printf("* online: %s\n", strings.Join(event.Users, network.UserListSeparator))
	case network.EventFile:
		if event.File == nil {
			return
		}
		c.printf("* %s sent you %s (%s)\n", event.File.Source, event.File.Filename, formatBytes(event.File.Size))
		if c.autoDownload {
			c.transfers.Start(models.DirectionDownload, event.File.Filename, event.File.Source, event.File.Size)
		}
	default:
		c.logger.Debug("unhandled event", zap.String("type", string(event.Type)))
	}
}

// HandleUpload reports a finished upload.
func (c *Console) HandleUpload(result models.TransferResult) {
	c.transfers.Finish(models.DirectionUpload, result.Filename, result.Path, result.Bytes, result.Err)
	if result.Err != nil {
		c.printf("! sending %s to %s failed: %v\n", result.Filename, result.Peer, result.Err)
		return
	}
	c.printf("* sent %s to %s (%s)\n", result.Filename, result.Peer, formatBytes(result.Bytes))
}

// HandleDownload reports a finished download.
func (c *Console) HandleDownload(result models.TransferResult) {
	c.transfers.Finish(models.DirectionDownload, result.Filename, result.Path, result.Bytes, result.Err)
	if result.Err != nil {
		c.printf("! downloading %s failed: %v\n", result.Filename, result.Err)
		return
	}
	c.printf("* saved %s\n", result.Path)
}

// HandleProgress records transfer progress for /transfers.
func (c *Console) HandleProgress(progress models.TransferProgress) {
	c.transfers.UpdateProgress(progress)
}

func (c *Console) printPeers(self string) {
	peers := c.roster.Peers(self)
	if len(peers) == 0 {
		c.printf("* no known users; try /list\n")
		return
	}
	active := c.roster.Active()
	var b strings.Builder
	for _, peer := range peers {
		mark := " "
		switch {
		case peer.Username == active:
			mark = ">"
		case peer.Chatting:
			mark = "*"
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, peer.Username)
	}
	c.printf("%s", b.String())
}

func (c *Console) printTransfers() {
	transfers := c.transfers.List()
	if len(transfers) == 0 {
		c.printf("* no transfers\n")
		return
	}
	var b strings.Builder
	for _, entry := range transfers {
		arrow := "->"
		if entry.Direction == models.DirectionDownload {
			arrow = "<-"
		}
		fmt.Fprintf(&b, "  %s %s %s  %s/%s  %s\n",
			arrow, entry.Peer, entry.Filename,
			formatBytes(entry.Done), formatBytes(entry.Total),
			transferStatusText(entry))
	}
	c.printf("%s", b.String())
}

func (c *Console) clearPendingConnect() string {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	peer := c.pendingConnect
	c.pendingConnect = ""
	return peer
}

func (c *Console) session() Chat {
	c.chatMu.RLock()
	defer c.chatMu.RUnlock()
	return c.chat
}

func (c *Console) showPrompt() {
	if c.prompt {
		c.printf("> ")
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
