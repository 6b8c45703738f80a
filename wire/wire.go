// Package wire implements ObjectData (spec §3): the self-describing,
// validated binary envelope that carries guest inputs/outputs and
// object-store blobs across process and syscall boundaries.
//
// The original system leans on a zero-copy, schema-checked binary format
// (rkyv-style, with a CheckBytes-equivalent structural validator run before
// any byte is trusted). Go has no idiomatic zero-copy analogue for
// arbitrary Go types, so this package keeps the discipline — validate
// structure before use, reject malformed input outright — and applies it
// to a conventional JSON payload body wrapped in a fixed binary header:
//
//	magic(4) | version(1) | reserved(3) | length(4) | crc32c(4) | payload
//
// The header is checked in full before the payload is touched, mirroring
// the teacher's "validate then use" ABI discipline (see
// internal/core/ispc/abi in the reference tree this package is grounded
// on).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"

	"github.com/ulag-bulag-village/ipwis/errs"
)

const (
	magic         uint32 = 0x6970_7769 // "ipwi"
	currentVer    uint8  = 1
	headerLen            = 16
	maxPayloadLen        = 64 << 20 // 64MiB guards against a corrupt length field driving a huge alloc
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Encode wraps v (marshalled as JSON) in a validated ObjectData frame.
func Encode(v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidEnvelope, "wire: marshal payload", err)
	}
	if len(payload) > maxPayloadLen {
		return nil, errs.Newf(errs.InvalidEnvelope, "wire: payload too large: %d bytes", len(payload))
	}

	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	buf[4] = currentVer
	// buf[5:8] reserved, left zero
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	binary.BigEndian.PutUint32(buf[12:16], crc32.Checksum(buf[headerLen:], crcTable))

	return buf, nil
}

// Decode validates frame's header and checksum, then unmarshals the
// payload into v. Any structural problem — bad magic, unsupported
// version, length mismatch, checksum mismatch, malformed JSON — fails with
// errs.InvalidEnvelope before v is touched.
func Decode(frame []byte, v interface{}) error {
	if len(frame) < headerLen {
		return errs.Newf(errs.InvalidEnvelope, "wire: frame too short: %d bytes", len(frame))
	}

	gotMagic := binary.BigEndian.Uint32(frame[0:4])
	if gotMagic != magic {
		return errs.Newf(errs.InvalidEnvelope, "wire: bad magic %#x", gotMagic)
	}

	ver := frame[4]
	if ver != currentVer {
		return errs.Newf(errs.InvalidEnvelope, "wire: unsupported version %d", ver)
	}

	length := binary.BigEndian.Uint32(frame[8:12])
	if length > maxPayloadLen {
		return errs.Newf(errs.InvalidEnvelope, "wire: declared length too large: %d", length)
	}
	if uint32(len(frame)-headerLen) != length {
		return errs.Newf(errs.InvalidEnvelope, "wire: length mismatch: header says %d, have %d", length, len(frame)-headerLen)
	}

	payload := frame[headerLen:]
	wantCRC := binary.BigEndian.Uint32(frame[12:16])
	gotCRC := crc32.Checksum(payload, crcTable)
	if gotCRC != wantCRC {
		return errs.Newf(errs.InvalidEnvelope, "wire: checksum mismatch: want %#x, got %#x", wantCRC, gotCRC)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return errs.Wrap(errs.InvalidEnvelope, fmt.Sprintf("wire: unmarshal payload (%d bytes)", len(payload)), err)
	}
	return nil
}
