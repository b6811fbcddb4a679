package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const headsFile = "feature-chain-heads.json"

// head is the last event committed to one feature chain.
type head struct {
	EventHash string `json:"event_hash"`
	DateStart string `json:"date_start"`
	DateEnd   string `json:"date_end"`
}

// ChainHeads tracks the newest event of every feature chain, one chain per
// namespace, era and version label. Heads are kept in a JSON file in dir
// so a chain continues across runs.
type ChainHeads struct {
	mu    sync.Mutex
	path  string
	heads map[string]head
}

// OpenChainHeads loads the heads stored in dir, creating dir if needed.
func OpenChainHeads(dir string) (*ChainHeads, error) {
	if dir == "" {
		dir = "./state"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create chain dir: %w", err)
	}
	c := &ChainHeads{path: filepath.Join(dir, headsFile), heads: make(map[string]head)}
	data, err := os.ReadFile(c.path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &c.heads); err != nil {
			return nil, fmt.Errorf("parse chain heads %s: %w", c.path, err)
		}
	}
	return c, nil
}

// Head returns the event hash at the head of p's chain.
func (c *ChainHeads) Head(p PartitionInfo) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.heads[p.ChainKey()]
	return h.EventHash, ok && h.EventHash != ""
}

// Link stamps evt and chains it to the current head of its partition's
// chain. The head itself does not move until Advance.
func (c *ChainHeads) Link(evt *Event) {
	prev, _ := c.Head(evt.Partition)
	stamp(evt)
	evt.SetChainHashes(prev)
}

// Advance makes evt the head of its chain and persists all heads.
func (c *ChainHeads) Advance(evt *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heads[evt.Partition.ChainKey()] = head{
		EventHash: evt.Chain.EventHash,
		DateStart: evt.Partition.DateStart,
		DateEnd:   evt.Partition.DateEnd,
	}
	data, err := json.MarshalIndent(c.heads, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
