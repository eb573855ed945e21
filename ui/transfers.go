package ui

import (
	"fmt"
	"sort"
	"sync"

	"relaychat/models"
)

// TransferState is the lifecycle stage of one tracked transfer.
type TransferState string

const (
	TransferActive   TransferState = "active"
	TransferComplete TransferState = "complete"
	TransferFailed   TransferState = "failed"
)

// Transfer is one upload or download as shown by /transfers.
type Transfer struct {
	Direction models.TransferDirection
	Filename  string
	Peer      string
	Done      int64
	Total     int64
	State     TransferState
	Path      string
	Err       error
}

// TransferTracker keeps progress for client-side transfers, keyed by
// direction and filename.
type TransferTracker struct {
	mu        sync.RWMutex
	transfers map[string]Transfer
}

// NewTransferTracker returns an empty tracker.
func NewTransferTracker() *TransferTracker {
	return &TransferTracker{transfers: make(map[string]Transfer)}
}

// Start registers a transfer that has not reported progress yet.
func (t *TransferTracker) Start(direction models.TransferDirection, filename, peer string, total int64) {
	if t == nil || filename == "" {
		return
	}
	t.mu.Lock()
	t.transfers[transferKey(direction, filename)] = Transfer{
		Direction: direction,
		Filename:  filename,
		Peer:      peer,
		Total:     total,
		State:     TransferActive,
	}
	t.mu.Unlock()
}

// UpdateProgress stores one progress snapshot. Finished entries are left alone.
func (t *TransferTracker) UpdateProgress(progress models.TransferProgress) {
	if t == nil || progress.Filename == "" {
		return
	}
	key := transferKey(progress.Direction, progress.Filename)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.transfers[key]
	if ok && entry.State != TransferActive {
		return
	}
	entry.Direction = progress.Direction
	entry.Filename = progress.Filename
	if progress.Peer != "" {
		entry.Peer = progress.Peer
	}
	entry.Done = progress.Done
	if progress.Total > 0 {
		entry.Total = progress.Total
	}
	entry.State = TransferActive
	t.transfers[key] = entry
}

// Finish marks a transfer complete or failed.
func (t *TransferTracker) Finish(direction models.TransferDirection, filename, path string, bytes int64, err error) {
	if t == nil || filename == "" {
		return
	}
	key := transferKey(direction, filename)

	t.mu.Lock()
	defer t.mu.Unlock()

	entry := t.transfers[key]
	entry.Direction = direction
	entry.Filename = filename
	entry.Path = path
	entry.Err = err
	if err != nil {
		entry.State = TransferFailed
	} else {
		entry.State = TransferComplete
		if bytes > 0 {
			entry.Done = bytes
		}
		if entry.Total < entry.Done {
			entry.Total = entry.Done
		}
	}
	t.transfers[key] = entry
}

// Get returns one transfer snapshot.
func (t *TransferTracker) Get(direction models.TransferDirection, filename string) (Transfer, bool) {
	if t == nil || filename == "" {
		return Transfer{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.transfers[transferKey(direction, filename)]
	return entry, ok
}

// List returns every tracked transfer, uploads first, then by filename.
func (t *TransferTracker) List() []Transfer {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]Transfer, 0, len(t.transfers))
	for _, entry := range t.transfers {
		out = append(out, entry)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction == models.DirectionUpload
		}
		return out[i].Filename < out[j].Filename
	})
	return out
}

func transferKey(direction models.TransferDirection, filename string) string {
	return string(direction) + "/" + filename
}

func transferStatusText(entry Transfer) string {
	switch entry.State {
	case TransferFailed:
		return "failed"
	case TransferComplete:
		return "complete"
	}
	if entry.Total > 0 {
		return fmt.Sprintf("%.0f%%", float64(entry.Done)*100.0/float64(entry.Total))
	}
	return "waiting"
}

func formatBytes(size int64) string {
	if size < 0 {
		return "0 B"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KB", "MB", "GB", "TB"}
	if exp >= len(prefixes) {
		exp = len(prefixes) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(size)/float64(div), prefixes[exp])
}
