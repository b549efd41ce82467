// Package bond holds bonded-device records and the stores that persist them.
//
// A bond is keyed by remote device id and scoped to one local adapter. Stores merge
// with upsert semantics: the last record written for a device id wins.
package bond

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidRecord indicates a record without a device id.
var ErrInvalidRecord = errors.New("BAD_REQUEST")

// Record is the long-term association with one remote device.
type Record struct {
	DeviceID    string    `json:"deviceId"`
	Address     string    `json:"address,omitempty"`
	Name        string    `json:"name,omitempty"`
	LongTermKey []byte    `json:"ltk,omitempty"`
	EDiv        uint16    `json:"ediv,omitempty"`
	Rand        uint64    `json:"rand,omitempty"`
	Legacy      bool      `json:"legacy,omitempty"`
	BondedAt    time.Time `json:"bondedAt,omitempty"`
}

// Validate checks the record can be keyed.
func (r Record) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: bond record without device id", ErrInvalidRecord)
	}
	return nil
}

// Store is the bonded-device persistence the dispatcher consumes.
type Store interface {
	// Upsert merges records into the adapter's set, last write wins per device id.
	Upsert(ctx context.Context, adapterID string, records []Record) error

	// List returns the adapter's records sorted by device id.
	List(ctx context.Context, adapterID string) ([]Record, error)
}

// ValidateAll checks every record before anything is merged.
func ValidateAll(records []Record) error {
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// Merge applies records onto dst in order. Later records replace earlier ones with
// the same device id, including duplicates inside records.
func Merge(dst map[string]Record, records []Record) {
	for _, r := range records {
		dst[r.DeviceID] = r
	}
}

// Sorted returns the map's records ordered by device id.
func Sorted(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
