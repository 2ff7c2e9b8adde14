package domain

type FileRef struct {
	Index          int    `json:"index"`
	Name           string `json:"name"`
	Path           string `json:"path"`
	Length         int64  `json:"length"`
	Offset         int64  `json:"offset"`
	BytesCompleted int64  `json:"bytesCompleted"`
}

// Complete reports whether every byte of the file has been downloaded.
func (f FileRef) Complete() bool {
	return f.Length > 0 && f.BytesCompleted >= f.Length
}
