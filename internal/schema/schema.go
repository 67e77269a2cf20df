// Copyright 2024 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package schema models the array schema and its on-disk generic-tile
// envelope. The full schema body is opaque here — only the header's
// encryption kind is the coordinator's concern; a real serializer is an
// external collaborator this package defers to via the Serializer
// interface.
package schema

import (
	"encoding/binary"

	"github.com/molecula/arraydb/errors"
	"github.com/molecula/arraydb/internal/errcodes"
)

// EncryptionKind identifies how a schema/fragment file's body is at rest.
type EncryptionKind uint8

const (
	EncryptionNone EncryptionKind = iota
	EncryptionAES256GCM
)

// EncryptionKey is a (kind, bytes) pair. The first successful open of an
// array fixes its key; later opens must match exactly.
type EncryptionKey struct {
	Kind  EncryptionKind
	Bytes []byte
}

// Equal reports whether two keys are the same kind and bytes.
func (k EncryptionKey) Equal(other EncryptionKey) bool {
	if k.Kind != other.Kind || len(k.Bytes) != len(other.Bytes) {
		return false
	}
	for i := range k.Bytes {
		if k.Bytes[i] != other.Bytes[i] {
			return false
		}
	}
	return true
}

// NoEncryption is the zero-value key used when an array carries no key.
var NoEncryption = EncryptionKey{Kind: EncryptionNone}

// genericTileHeaderSize is the fixed header size preceding the opaque
// serialized schema body: a version, the encryption kind, and a payload
// length.
const genericTileHeaderSize = 1 + 1 + 8

// GenericTileHeader is the fixed header of a generic-tile file: a schema
// version, the encryption kind used for the payload, and the payload
// length. Only the encryption kind is ever consulted by the coordinator
// (ArrayGetEncryption); the rest is round-tripped for the serializer.
type GenericTileHeader struct {
	Version        uint8
	Encryption     EncryptionKind
	PayloadLength  uint64
}

// EncodeHeader serializes h into its fixed-width wire form.
func EncodeHeader(h GenericTileHeader) []byte {
	buf := make([]byte, genericTileHeaderSize)
	buf[0] = h.Version
	buf[1] = uint8(h.Encryption)
	binary.LittleEndian.PutUint64(buf[2:], h.PayloadLength)
	return buf
}

// DecodeHeader parses the fixed header from the start of a generic-tile
// file. It is the only part of the file the coordinator itself reads; the
// remaining PayloadLength bytes are handed, still opaque, to a Serializer.
func DecodeHeader(buf []byte) (GenericTileHeader, error) {
	if len(buf) < genericTileHeaderSize {
		return GenericTileHeader{}, errors.New(errcodes.ParseError, "generic tile header truncated")
	}
	return GenericTileHeader{
		Version:       buf[0],
		Encryption:    EncryptionKind(buf[1]),
		PayloadLength: binary.LittleEndian.Uint64(buf[2:]),
	}, nil
}

// HeaderSize reports the fixed header width in bytes.
func HeaderSize() int { return genericTileHeaderSize }

// Schema is the immutable, once-loaded array schema owned by an open
// entry. Its body is opaque to the coordinator beyond the encryption kind
// carried in its generic-tile header; a real deployment plugs in a
// Serializer that understands dimension/attribute layout.
type Schema struct {
	Encryption EncryptionKind
	Body       []byte // opaque serialized payload, owned by a Serializer
}

// Serializer is the external collaborator for array-schema
// (de)serialization; the coordinator never inspects Body beyond passing
// it through.
type Serializer interface {
	Serialize(s *Schema) ([]byte, error)
	Deserialize(payload []byte) (*Schema, error)
}
