package domain

import "time"

// Magnet is the parsed form of a magnet URI.
type Magnet struct {
	InfoHash    InfoHash `json:"infoHash"`
	DisplayName string   `json:"displayName,omitempty"`
	Trackers    []string `json:"trackers,omitempty"`
	ExactLength int64    `json:"exactLength,omitempty"`
	WebSeeds    []string `json:"webSeeds,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// TorrentMetadata is the file listing of a swarm once its info dictionary
// is known.
type TorrentMetadata struct {
	InfoHash    InfoHash  `json:"infoHash"`
	Name        string    `json:"name"`
	PieceLength int64     `json:"pieceLength"`
	NumPieces   int       `json:"numPieces"`
	TotalLength int64     `json:"totalLength"`
	Files       []FileRef `json:"files"`
	ResolvedAt  time.Time `json:"resolvedAt"`
}
