package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NSU is the distribution sequence number, a 15-digit counter per party.
type NSU uint64

// MaxNSU is the largest representable NSU.
const MaxNSU NSU = 999999999999999

// ParseNSU parses a decimal NSU; an empty string is zero.
func ParseNSU(s string) (NSU, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || NSU(n) > MaxNSU {
		return 0, fmt.Errorf("invalid NSU %q", s)
	}
	return NSU(n), nil
}

// String renders the NSU zero-padded to 15 digits, the wire format.
func (n NSU) String() string {
	return fmt.Sprintf("%015d", uint64(n))
}

// DistributionState is the synchronizer state for one query.
type DistributionState string

const (
	DistributionIdle     DistributionState = "idle"
	DistributionQuerying DistributionState = "querying"
	DistributionEmpty    DistributionState = "empty"
	DistributionHasBatch DistributionState = "has_batch"
)

// DistributedDocument is one docZip entry, already decompressed.
type DistributedDocument struct {
	NSU    NSU    `json:"nsu"`
	Schema string `json:"schema"`
	XML    []byte `json:"xml"`
}

// Kind returns the schema name without version, e.g. "resNFe".
func (d DistributedDocument) Kind() string {
	if i := strings.Index(d.Schema, "_"); i > 0 {
		return d.Schema[:i]
	}
	return strings.TrimSuffix(d.Schema, ".xsd")
}

// DistributionBatch is the outcome of one distribution query.
type DistributionBatch struct {
	Party       string                `json:"party"`
	Environment Environment           `json:"environment"`
	State       DistributionState     `json:"state"`
	Code        int                   `json:"code"`
	Reason      string                `json:"reason"`
	Cursor      NSU                   `json:"cursor"`
	UltNSU      NSU                   `json:"ult_nsu"`
	MaxNSU      NSU                   `json:"max_nsu"`
	NextCursor  NSU                   `json:"next_cursor"`
	Documents   []DistributedDocument `json:"documents"`
	RespondedAt time.Time             `json:"responded_at"`
	Raw         []byte                `json:"-"`
}

// Drained reports whether the party has no further documents to fetch.
func (b *DistributionBatch) Drained() bool {
	return b.NextCursor >= b.MaxNSU
}
