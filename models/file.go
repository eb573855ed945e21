package models

// FileNotice announces a file pushed to the side channel for one recipient.
type FileNotice struct {
	Source   string `json:"source"`
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// TransferResult reports the outcome of one client-side upload or download.
type TransferResult struct {
	Filename string `json:"filename"`
	Peer     string `json:"peer"`
	Path     string `json:"path"`
	Bytes    int64  `json:"bytes"`
	Err      error  `json:"-"`
}

// TransferDirection distinguishes uploads from downloads.
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// TransferProgress is a progress snapshot for one client-side transfer.
type TransferProgress struct {
	Direction TransferDirection `json:"direction"`
	Filename  string            `json:"filename"`
	Peer      string            `json:"peer,omitempty"`
	Done      int64             `json:"done"`
	Total     int64             `json:"total"`
}
