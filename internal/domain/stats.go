package domain

// SwarmStats is a point-in-time transfer snapshot reported by the engine.
type SwarmStats struct {
	Peers         int     `json:"peers"`
	Progress      float64 `json:"progress"`
	DownloadSpeed int64   `json:"downloadSpeed"`
	UploadSpeed   int64   `json:"uploadSpeed"`
}

type FileStats struct {
	Index       int           `json:"index"`
	Path        string        `json:"path"`
	Length      int64         `json:"length"`
	Downloaded  int64         `json:"downloaded"`
	Category    MediaCategory `json:"category"`
	ReadyToPlay bool          `json:"readyToPlay"`
}

type TorrentStats struct {
	InfoHash      InfoHash   `json:"infoHash"`
	Name          string     `json:"name,omitempty"`
	Ready         bool       `json:"ready"`
	Peers         int        `json:"peers"`
	Progress      float64    `json:"progress"`
	DownloadSpeed int64      `json:"downloadSpeed"`
	UploadSpeed   int64      `json:"uploadSpeed"`
	TotalLength   int64      `json:"totalLength,omitempty"`
	ActiveStreams int        `json:"activeStreams"`
	Watchers      int        `json:"watchers"`
	File          *FileStats `json:"file,omitempty"`
}
