// Package magnet parses and formats BEP 9 magnet links
// (magnet:?xt=urn:btih:...).
package magnet

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/btengine/engine/core"
)

// ErrMissingInfoHash is returned when a magnet URI has no "xt=urn:btih:" parameter.
var ErrMissingInfoHash = errors.New("magnet: missing urn:btih infohash")

// ErrNotAMagnetLink is returned when the input does not use the "magnet:" scheme.
var ErrNotAMagnetLink = errors.New("magnet: not a magnet link")

// PeerHint is an "x.pe" peer address hint embedded in a magnet link.
type PeerHint struct {
	IP   string
	Port int
}

func (h PeerHint) String() string {
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

// Link is the parsed form of a magnet URI.
type Link struct {
	InfoHash  core.InfoHash
	Name      string
	Trackers  []string
	PeerHints []PeerHint
}

// Parse decodes a magnet URI of the form
// "magnet:?xt=urn:btih:<hex40|base32>&dn=...&tr=...&x.pe=host:port".
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, ErrNotAMagnetLink
	}
	q := u.Query()

	var ih core.InfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		enc := xt[len(prefix):]
		ih, err = decodeInfoHash(enc)
		if err != nil {
			return nil, fmt.Errorf("decode infohash: %s", err)
		}
		found = true
		break
	}
	if !found {
		return nil, ErrMissingInfoHash
	}

	l := &Link{
		InfoHash: ih,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	for _, pe := range q["x.pe"] {
		host, portStr, err := net.SplitHostPort(pe)
		if err != nil {
			return nil, fmt.Errorf("parse x.pe %q: %s", pe, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("parse x.pe port %q: %s", pe, err)
		}
		l.PeerHints = append(l.PeerHints, PeerHint{IP: host, Port: port})
	}
	return l, nil
}

func decodeInfoHash(enc string) (core.InfoHash, error) {
	switch len(enc) {
	case 40:
		return core.NewInfoHashFromHex(enc)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
		if err != nil {
			return core.InfoHash{}, err
		}
		if len(b) != 20 {
			return core.InfoHash{}, fmt.Errorf("invalid base32 infohash length %d", len(b))
		}
		var ih core.InfoHash
		copy(ih[:], b)
		return ih, nil
	default:
		return core.InfoHash{}, fmt.Errorf("invalid infohash encoding length %d", len(enc))
	}
}

// String formats l back into a magnet URI.
func (l *Link) String() string {
	v := url.Values{}
	v.Add("xt", "urn:btih:"+l.InfoHash.Hex())
	if l.Name != "" {
		v.Add("dn", l.Name)
	}
	for _, tr := range l.Trackers {
		v.Add("tr", tr)
	}
	for _, h := range l.PeerHints {
		v.Add("x.pe", h.String())
	}
	return "magnet:?" + v.Encode()
}
