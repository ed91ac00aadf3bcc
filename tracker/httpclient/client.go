// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient implements a generic BEP 3 HTTP(S) tracker client: one
// GET request per announce, bencoded compact or dictionary peer list in the
// response. Unlike tracker/announceclient (which is wired to kraken's
// hashring of interchangeable origin peers), this client speaks to exactly
// one announce URL, as spec.md §4.7's TrackerManager requires one client
// per tracker in a torrent's announce-list (BEP 12).
package httpclient

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/btengine/engine/core"
	"github.com/btengine/engine/lib/torrent/bencode"
	"github.com/btengine/engine/utils/httputil"
)

// Event is the BEP 3 `event` query parameter.
type Event string

// Announce events.
const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Result is the outcome of one successful announce.
type Result struct {
	Peers      []core.PeerInfo
	Interval   time.Duration
	MinInterval time.Duration
	Seeders    int
	Leechers   int
}

// bencodeResponse is the BEP 3 tracker response dictionary. Peers may
// arrive either as a compact binary blob (BEP 23) or as a list of
// dictionaries; this client accepts either.
type bencodeResponse struct {
	FailureReason string      `bencode:"failure reason,omitempty"`
	Interval      int         `bencode:"interval,omitempty"`
	MinInterval   int         `bencode:"min interval,omitempty"`
	Complete      int         `bencode:"complete,omitempty"`
	Incomplete    int         `bencode:"incomplete,omitempty"`
	Peers         interface{} `bencode:"peers,omitempty"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

// Client announces one torrent to a single HTTP(S) tracker URL.
type Client struct {
	announceURL string
	httpClient  *http.Client
}

// New creates a Client for the given announce URL (e.g.
// "http://tracker.example.com:6969/announce").
func New(announceURL string, timeout time.Duration) *Client {
	return &Client{
		announceURL: announceURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Announce performs one announce. left is the number of bytes still needed
// (0 when complete). compact requests the BEP 23 compact peer encoding.
func (c *Client) Announce(
	infoHash core.InfoHash,
	peerID core.PeerID,
	port int,
	uploaded, downloaded, left int64,
	event Event,
	compact bool) (*Result, error) {

	v := url.Values{}
	v.Set("info_hash", string(infoHash.Bytes()))
	v.Set("peer_id", string(peerID.Bytes()))
	v.Set("port", strconv.Itoa(port))
	v.Set("uploaded", strconv.FormatInt(uploaded, 10))
	v.Set("downloaded", strconv.FormatInt(downloaded, 10))
	v.Set("left", strconv.FormatInt(left, 10))
	if compact {
		v.Set("compact", "1")
	} else {
		v.Set("compact", "0")
	}
	if event != EventNone {
		v.Set("event", string(event))
	}

	reqURL := c.announceURL
	if idx := indexByte(reqURL, '?'); idx >= 0 {
		reqURL = reqURL + "&" + v.Encode()
	} else {
		reqURL = reqURL + "?" + v.Encode()
	}

	resp, err := httputil.Get(reqURL, httputil.SendTimeout(c.httpClient.Timeout))
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %s", err)
	}
	defer resp.Body.Close()

	var br bencodeResponse
	if err := bencode.NewDecoder(resp.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %s", err)
	}
	if br.FailureReason != "" {
		return nil, fmt.Errorf("tracker: failure reason: %s", br.FailureReason)
	}

	peers, err := decodePeers(br.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode peers: %s", err)
	}

	interval := time.Duration(br.Interval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	minInterval := time.Duration(br.MinInterval) * time.Second

	return &Result{
		Peers:       peers,
		Interval:    interval,
		MinInterval: minInterval,
		Seeders:     br.Complete,
		Leechers:    br.Incomplete,
	}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// decodePeers handles both BEP 23 compact form (a single binary string of
// 6-byte IPv4 entries) and the older list-of-dictionaries form.
func decodePeers(raw interface{}) ([]core.PeerInfo, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		var out []core.PeerInfo
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ip, _ := m["ip"].(string)
			portN, _ := toInt(m["port"])
			pidStr, _ := m["peer id"].(string)
			var peerID core.PeerID
			if len(pidStr) == 20 {
				peerID, _ = core.NewPeerIDFromBytes([]byte(pidStr))
			}
			out = append(out, *core.NewPeerInfo(peerID, ip, portN, false, false))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected peers field type %T", raw)
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func decodeCompactPeers(b []byte) ([]core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of 6", len(b))
	}
	out := make([]core.PeerInfo, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(b[i : i+4]).String()
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		out = append(out, *core.NewPeerInfo(core.PeerID{}, ip, int(port), false, false))
	}
	return out, nil
}
