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
package dht

import (
	"encoding/hex"
	"fmt"

	"github.com/btengine/engine/capability"
)

// persistedNode is the on-disk shape of one routing table contact
// (spec.md §6 "serializes {nodeId, [{id,host,port}]}").
type persistedNode struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// persistedRoutingTable is the full blob written under one session store key.
type persistedRoutingTable struct {
	NodeID string          `json:"nodeId"`
	Nodes  []persistedNode `json:"nodes"`
}

// RoutingTableSessionKey is the session store key under which the routing
// table is persisted (spec.md §6 "Persisted state").
const RoutingTableSessionKey = "session:dht:state"

// SaveRoutingTable serializes the current routing table to store, keyed by
// this node's own id.
func (s *Server) SaveRoutingTable(store capability.ISessionStore) error {
	nodes := s.rt.AllNodes()
	p := persistedRoutingTable{
		NodeID: s.localID.String(),
		Nodes:  make([]persistedNode, 0, len(nodes)),
	}
	for _, n := range nodes {
		p.Nodes = append(p.Nodes, persistedNode{ID: n.ID.String(), Host: n.Host, Port: n.Port})
	}
	if err := store.SetJSON(RoutingTableSessionKey, p); err != nil {
		return fmt.Errorf("dht: save routing table: %s", err)
	}
	return nil
}

// RestoreRoutingTable reloads a previously persisted routing table, adding
// each node back as if freshly sighted. A missing key is not an error: a
// fresh node simply starts with an empty table and relies on Bootstrap.
func (s *Server) RestoreRoutingTable(store capability.ISessionStore) error {
	var p persistedRoutingTable
	if err := store.GetJSON(RoutingTableSessionKey, &p); err != nil {
		return nil
	}
	now := s.clk.Now()
	for _, pn := range p.Nodes {
		idBytes, err := hexDecodeID(pn.ID)
		if err != nil {
			continue
		}
		s.rt.Add(Node{ID: idBytes, Host: pn.Host, Port: pn.Port, LastSeen: now}, now)
	}
	return nil
}

func hexDecodeID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, err
	}
	return IDFromBytes(b)
}
