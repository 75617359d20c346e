// Package codec converts objects to and from the row layout shared by the
// SQL-backed stores.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"storestack/pkg/domain"
)

// Row is the column layout of the objects table.
type Row struct {
	ID        string
	Entity    string
	Payload   []byte
	CreatedAt string
	UpdatedAt string
}

// Meta keys stored in the meta table.
const (
	MetaSchemaVersion = "schema_version"
	MetaFingerprint   = "fingerprint"
	MetaCreatedAt     = "created_at"
)

// EncodeObject flattens an object into a row.
func EncodeObject(obj domain.Object) (Row, error) {
	attrs := obj.Attributes
	if attrs == nil {
		attrs = domain.Attributes{}
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return Row{}, fmt.Errorf("encode %s: %w", obj.ID, err)
	}
	return Row{
		ID:        obj.ID,
		Entity:    string(obj.Entity),
		Payload:   payload,
		CreatedAt: obj.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: obj.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodeObject rebuilds an object from a row.
func DecodeObject(row Row) (domain.Object, error) {
	if row.ID == "" {
		return domain.Object{}, fmt.Errorf("decode: empty id")
	}
	var attrs domain.Attributes
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &attrs); err != nil {
			return domain.Object{}, fmt.Errorf("decode %s payload: %w", row.ID, err)
		}
	}
	if attrs == nil {
		attrs = domain.Attributes{}
	}
	created, err := time.Parse(time.RFC3339Nano, row.CreatedAt)
	if err != nil {
		return domain.Object{}, fmt.Errorf("decode %s created_at: %w", row.ID, err)
	}
	updated, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return domain.Object{}, fmt.Errorf("decode %s updated_at: %w", row.ID, err)
	}
	return domain.Object{
		ID:         row.ID,
		Entity:     domain.EntityType(row.Entity),
		Attributes: attrs,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}, nil
}
