// Package audit emits hash-chained events for every committed feature
// partition.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventVersion = "1.1"
	EventType    = "feature_partition"
)

// Event is one audit record. Consecutive events of the same chain are
// linked through Chain.PrevEventHash.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Partition        PartitionInfo        `json:"partition"`
	Tables           map[string]TableInfo `json:"tables"`
	InputFingerprint string               `json:"input_fingerprint,omitempty"`
	Producer         ProducerInfo         `json:"producer"`
	Chain            ChainInfo            `json:"chain"`
}

// PartitionInfo identifies the partition being audited.
type PartitionInfo struct {
	Namespace    string `json:"namespace"`
	EraID        string `json:"era_id"`
	VersionLabel string `json:"version_label"`
	DateStart    string `json:"date_start"`
	DateEnd      string `json:"date_end"`
}

// TableInfo contains checksum and metadata for a single file.
type TableInfo struct {
	Checksum    string `json:"checksum"`
	RowCount    int64  `json:"row_count"`
	StoragePath string `json:"storage_path"`
	ByteSize    int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo links an event to its predecessor.
type ChainInfo struct {
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the key of the chain this partition belongs to.
func (p PartitionInfo) ChainKey() string {
	return p.Namespace + "/" + p.EraID + "/" + p.VersionLabel
}

// ComputeEventHash hashes the JSON encoding of evt with event_hash
// cleared. Map keys are sorted by encoding/json, so table order does not
// matter.
func ComputeEventHash(evt *Event) string {
	c := *evt
	c.Chain.EventHash = ""
	canonical, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// SetChainHashes links evt to prevHash and computes its own hash.
func (evt *Event) SetChainHashes(prevHash string) {
	evt.Chain.PrevEventHash = prevHash
	evt.Chain.EventHash = ComputeEventHash(evt)
}

// GenerateEventID creates a unique event ID.
func GenerateEventID() string {
	return "audit_evt_" + uuid.NewString()
}
