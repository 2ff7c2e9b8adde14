// Package magnet validates and parses magnet URIs and rewrites their tracker
// lists for discovery from restricted networks.
package magnet

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/anacrolix/torrent/metainfo"

	"magnetstream/internal/domain"
)

var ErrInvalidMagnet = errors.New("invalid magnet uri")

const scheme = "magnet:?"

// Parser implements ports.MagnetParser on top of metainfo.ParseMagnetUri.
type Parser struct{}

func NewParser() Parser {
	return Parser{}
}

func (Parser) Validate(uri string) bool {
	_, err := parse(uri)
	return err == nil
}

func (Parser) ExtractInfoHash(uri string) (domain.InfoHash, error) {
	m, err := parse(uri)
	if err != nil {
		return "", err
	}
	return domain.ParseInfoHash(m.InfoHash.HexString())
}

func (Parser) Parse(uri string) (domain.Magnet, error) {
	m, err := parse(uri)
	if err != nil {
		return domain.Magnet{}, err
	}
	hash, err := domain.ParseInfoHash(m.InfoHash.HexString())
	if err != nil {
		return domain.Magnet{}, err
	}

	out := domain.Magnet{
		InfoHash:    hash,
		DisplayName: m.DisplayName,
		Trackers:    append([]string(nil), m.Trackers...),
		WebSeeds:    append([]string(nil), m.Params["ws"]...),
	}
	if xl := m.Params.Get("xl"); xl != "" {
		if n, err := strconv.ParseInt(xl, 10, 64); err == nil && n > 0 {
			out.ExactLength = n
		}
	}
	if kt := m.Params.Get("kt"); kt != "" {
		out.Keywords = strings.Fields(strings.ReplaceAll(kt, "+", " "))
	}
	return out, nil
}

func parse(uri string) (metainfo.Magnet, error) {
	uri = strings.TrimSpace(uri)
	if len(uri) < len(scheme) || !strings.EqualFold(uri[:len(scheme)], scheme) {
		return metainfo.Magnet{}, ErrInvalidMagnet
	}
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return metainfo.Magnet{}, fmt.Errorf("%w: %v", ErrInvalidMagnet, err)
	}
	return m, nil
}
