// Package resultstore persists run results under content-addressed keys so
// identical (pack, inputs) pairs land on the same record. Providers differ
// in capability: the memory provider supports everything, SQL providers
// advertise what their schema can answer.
package resultstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/showrun/showrun"
)

// Capabilities a provider may advertise.
const (
	CapGet    = "get"
	CapStore  = "store"
	CapList   = "list"
	CapDelete = "delete"
	CapFilter = "filter"
)

// StoredResult is one persisted run outcome.
type StoredResult struct {
	Key               string         `json:"key"`
	PackID            string         `json:"packId"`
	ToolName          string         `json:"toolName,omitempty"`
	Inputs            map[string]any `json:"inputs"`
	Collectibles      map[string]any `json:"collectibles"`
	CollectibleSchema []Field        `json:"collectibleSchema,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	Version           int            `json:"version"`
	RanAt             time.Time      `json:"ranAt"`
	StoredAt          time.Time      `json:"storedAt"`
}

// Field documents one collectible slot alongside the stored data.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Summary is the short form list returns.
type Summary struct {
	Key      string    `json:"key"`
	PackID   string    `json:"packId"`
	Version  int       `json:"version"`
	StoredAt time.Time `json:"storedAt"`
}

// ListOptions page and order a listing.
type ListOptions struct {
	Limit   int
	Offset  int
	SortBy  string // storedAt | packId | key
	SortDir string // asc | desc
}

// FilterOptions query one record's collectibles.
type FilterOptions struct {
	Key      string
	JMESPath string
	SortBy   string
	SortDir  string
	Limit    int
	Offset   int
}

// FilterResult carries the filtered data and, when known, the pre-pagination
// total.
type FilterResult struct {
	Data  any  `json:"data"`
	Total *int `json:"total,omitempty"`
}

// Provider is the storage contract. Optional operations return
// ErrUnsupported when the provider does not advertise the capability.
// Filter returns (nil, nil) when no record exists for the key.
type Provider interface {
	Capabilities() []string
	Store(ctx context.Context, r StoredResult) (StoredResult, error)
	Get(ctx context.Context, key string) (*StoredResult, bool, error)
	List(ctx context.Context, opts ListOptions) ([]Summary, error)
	Delete(ctx context.Context, key string) error
	Filter(ctx context.Context, opts FilterOptions) (*FilterResult, error)
	Close() error
}

// ErrUnsupported marks an operation outside a provider's capabilities.
type ErrUnsupported struct {
	Capability string
}

func (e *ErrUnsupported) Error() string {
	return "result store provider does not support " + e.Capability
}

// Has reports whether caps contains c.
func Has(caps []string, c string) bool {
	for _, x := range caps {
		if x == c {
			return true
		}
	}
	return false
}

// GenerateResultKey derives the content address for (packID, inputs):
// canonical JSON of the inputs, joined to the pack id with a NUL byte,
// hashed with SHA-256, first 16 lowercase hex chars.
func GenerateResultKey(packID string, inputs map[string]any) (string, error) {
	canonical, err := showrun.CanonicalJSON(inputs)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(packID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))[:16], nil
}
