package domain

import "strings"

// InfoHash is the 40-character lowercase hex identifier of a swarm.
type InfoHash string

const infoHashLength = 40

// ParseInfoHash normalizes raw to lowercase and checks that it is a
// 40-character hex string.
func ParseInfoHash(raw string) (InfoHash, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimPrefix(value, "urn:btih:")
	if len(value) != infoHashLength {
		return "", ErrInvalidInfoHash
	}
	for _, c := range value {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", ErrInvalidInfoHash
		}
	}
	return InfoHash(value), nil
}

func (h InfoHash) String() string {
	return string(h)
}

// Short returns the first 8 characters, used in log lines.
func (h InfoHash) Short() string {
	if len(h) <= 8 {
		return string(h)
	}
	return string(h[:8])
}
