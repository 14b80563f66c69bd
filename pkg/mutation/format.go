// Copyright 2026 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by an Apache 2-style license that can be found in the LICENSE file.

package mutation

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"math/rand"
	"os"

	md5lib "crypto/md5"
)

// FieldType names the type-specific mutation and checksum behavior for one
// format field.
type FieldType string

const (
	FieldInt8     FieldType = "int8"
	FieldInt16    FieldType = "int16"
	FieldInt32    FieldType = "int32"
	FieldBytes    FieldType = "bytes"
	FieldString   FieldType = "string"
	FieldCRC32    FieldType = "crc32"
	FieldMD5      FieldType = "md5"
	FieldIPChksum FieldType = "ip_checksum"
	FieldOnes16   FieldType = "ones_complement_16"
	FieldLength   FieldType = "length_of" // length-controller field
)

// Field describes one named region of a format-aware seed.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Offset   int       `json:"offset"`
	Length   int       `json:"length"`
	Fixed    bool      `json:"fixed"`
	Covers   []string  `json:"covers,omitempty"`   // fields a checksum field is computed over
	Controls string    `json:"controls,omitempty"` // field a length-controller field tracks
}

// FormatSpec is the on-disk sibling JSON describing a seed's field layout.
type FormatSpec struct {
	Fields []Field `json:"fields"`
}

func loadFormatSpec(path string) (*FormatSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec FormatSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse format spec %s: %w", path, err)
	}
	return &spec, nil
}

func isChecksumType(t FieldType) bool {
	switch t {
	case FieldCRC32, FieldMD5, FieldIPChksum, FieldOnes16:
		return true
	}
	return false
}

// mutateFormatAware mutates 1-3 randomly chosen mutable fields of data
// according to spec, then recomputes checksum and length-controller fields.
func mutateFormatAware(data []byte, spec *FormatSpec, r *rand.Rand) []byte {
	out := append([]byte{}, data...)

	var mutable []int
	for i, f := range spec.Fields {
		if isChecksumType(f.Type) || f.Type == FieldLength {
			continue
		}
		mutable = append(mutable, i)
	}
	if len(mutable) == 0 {
		return out
	}

	n := r.Intn(3) + 1
	if n > len(mutable) {
		n = len(mutable)
	}
	r.Shuffle(len(mutable), func(i, j int) { mutable[i], mutable[j] = mutable[j], mutable[i] })
	chosen := mutable[:n]

	for _, idx := range chosen {
		mutateField(out, spec.Fields[idx], r)
	}

	for _, f := range spec.Fields {
		if f.Type == FieldLength {
			updateLengthController(out, spec, f)
		}
	}
	for _, f := range spec.Fields {
		if isChecksumType(f.Type) {
			recomputeChecksum(out, spec, f)
		}
	}
	return out
}

func fieldSlice(data []byte, f Field) []byte {
	end := f.Offset + f.Length
	if end > len(data) {
		end = len(data)
	}
	if f.Offset > len(data) {
		return nil
	}
	return data[f.Offset:end]
}

func mutateField(data []byte, f Field, r *rand.Rand) {
	region := fieldSlice(data, f)
	if len(region) == 0 {
		return
	}
	switch f.Type {
	case FieldInt8, FieldInt16, FieldInt32:
		mutated := arith(region, r, bitWidth(f.Type)/8)
		copy(region, mutated)
	default:
		// bytes/string: flip one byte in place, which keeps the field's
		// width unchanged whether or not it is fixed.
		mutated := flipBytes(region, r, 1)
		copy(region, mutated)
	}
}

// bitWidth resolves a field type tag to its width in bits. The tag is
// matched as a whole, never derived from a suffix of the type string,
// which silently misparses single-digit widths.
func bitWidth(t FieldType) int {
	switch t {
	case FieldInt8:
		return 8
	case FieldInt16:
		return 16
	case FieldInt32:
		return 32
	}
	return 8
}

// updateLengthController rewrites f (which tracks f.Controls) to the
// current length of the field it controls.
func updateLengthController(data []byte, spec *FormatSpec, f Field) {
	var target *Field
	for i := range spec.Fields {
		if spec.Fields[i].Name == f.Controls {
			target = &spec.Fields[i]
			break
		}
	}
	if target == nil {
		return
	}
	region := fieldSlice(data, f)
	if len(region) == 0 {
		return
	}
	length := uint32(target.Length)
	switch len(region) {
	case 1:
		region[0] = byte(length)
	case 2:
		binary.LittleEndian.PutUint16(region, uint16(length))
	case 4:
		binary.LittleEndian.PutUint32(region, length)
	}
}

// recomputeChecksum recomputes f over the bytes of its covered fields.
func recomputeChecksum(data []byte, spec *FormatSpec, f Field) {
	var covered []byte
	byName := map[string]Field{}
	for _, other := range spec.Fields {
		byName[other.Name] = other
	}
	for _, name := range f.Covers {
		if region := byName[name]; region.Length > 0 {
			covered = append(covered, fieldSlice(data, region)...)
		}
	}

	region := fieldSlice(data, f)
	if len(region) == 0 {
		return
	}

	switch f.Type {
	case FieldCRC32:
		sum := crc32.ChecksumIEEE(covered)
		if len(region) >= 4 {
			binary.LittleEndian.PutUint32(region, sum)
		}
	case FieldMD5:
		sum := md5lib.Sum(covered)
		copy(region, sum[:])
	case FieldIPChksum:
		sum := ipChecksum(covered)
		if len(region) >= 2 {
			binary.BigEndian.PutUint16(region, sum)
		}
	case FieldOnes16:
		sum := onesComplement16(covered)
		if len(region) >= 2 {
			binary.BigEndian.PutUint16(region, sum)
		}
	}
}

// ipChecksum computes the standard Internet checksum (RFC 1071).
func ipChecksum(data []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func onesComplement16(data []byte) uint16 {
	return ipChecksum(data)
}
