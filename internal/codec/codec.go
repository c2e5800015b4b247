// Package codec encodes deliveries into message values for transports that
// carry opaque bytes.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"eventflow/internal/models"
)

// Codec serializes a delivery.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(d models.Delivery) ([]byte, error)
}

// New returns the codec registered under name. Empty selects JSON.
func New(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return newCBOR()
	default:
		return nil, fmt.Errorf("codec %q is not supported", name)
	}
}

// JSON encodes deliveries in their wire JSON shape.
type JSON struct{}

func (JSON) Name() string        { return "json" }
func (JSON) ContentType() string { return "application/json" }

func (JSON) Marshal(d models.Delivery) ([]byte, error) {
	return json.Marshal(d)
}

// CBOR encodes deliveries as RFC 8949 CBOR using the JSON field names, so a
// consumer can decode either format into the same structs.
type CBOR struct {
	mode cbor.EncMode
}

func newCBOR() (*CBOR, error) {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	return &CBOR{mode: mode}, nil
}

func (*CBOR) Name() string        { return "cbor" }
func (*CBOR) ContentType() string { return "application/cbor" }

func (c *CBOR) Marshal(d models.Delivery) ([]byte, error) {
	return c.mode.Marshal(d)
}
