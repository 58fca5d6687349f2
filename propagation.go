package spanz

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Text carrier keys. The spanz- namespace is reserved for snapshot
// fields and the spanz-attr- namespace for trace attributes; both are
// stable and documented so carriers can be inspected and filtered by
// intermediaries. All keys are lowercase ASCII and header-safe. Matching
// on decode is case-insensitive.
const (
	textFieldTraceID = "spanz-traceid"
	textFieldSpanID  = "spanz-spanid"
	textFieldSampled = "spanz-sampled"
	textAttrPrefix   = "spanz-attr-"
)

// binaryVersion is the leading byte of the binary encoding. The layout
// is implementation-defined and only round-trips within spanz.
const binaryVersion byte = 0x01

const (
	traceIDByteLen = 16
	spanIDByteLen  = 8
	traceIDHexLen  = 2 * traceIDByteLen
	spanIDHexLen   = 2 * spanIDByteLen
)

// EncodeTextMap encodes a context into a flat string-to-string mapping
// whose keys are suitable as transport-header names. A nil context
// encodes to an empty map, which decodes back to "no context".
func EncodeTextMap(tc *TraceContext) map[string]string {
	if tc == nil {
		return map[string]string{}
	}

	carrier := make(map[string]string, 3+tc.AttributeCount())
	carrier[textFieldTraceID] = tc.TraceID()
	carrier[textFieldSpanID] = tc.SpanID()
	carrier[textFieldSampled] = strconv.FormatBool(tc.Sampled())
	for k, v := range tc.attributeSnapshot() {
		carrier[textAttrPrefix+k] = v
	}
	return carrier
}

// DecodeTextMap reconstructs a context from a text carrier.
//
// A carrier containing no spanz-namespaced keys (including an empty or
// nil carrier) decodes to (nil, nil): no upstream context, not an error.
// Keys outside the spanz namespace are ignored, so a whole header map
// may be handed in. Once any reserved key is present the snapshot must
// be complete and well-formed, otherwise ErrDecode is returned and no
// context is produced.
func DecodeTextMap(carrier map[string]string) (*TraceContext, error) {
	var (
		traceID, spanID, sampledRaw string
		haveTraceID, haveSpanID     bool
		haveSampled, haveReserved   bool
		attrs                       map[string]string
	)

	for rawKey, value := range carrier {
		key := strings.ToLower(rawKey)
		switch {
		case key == textFieldTraceID:
			traceID, haveTraceID, haveReserved = value, true, true
		case key == textFieldSpanID:
			spanID, haveSpanID, haveReserved = value, true, true
		case key == textFieldSampled:
			sampledRaw, haveSampled, haveReserved = value, true, true
		case strings.HasPrefix(key, textAttrPrefix):
			haveReserved = true
			attrKey := key[len(textAttrPrefix):]
			if !attrKeyPattern.MatchString(attrKey) {
				return nil, fmt.Errorf("%w: attribute key %q", ErrDecode, attrKey)
			}
			if attrs == nil {
				attrs = make(map[string]string)
			}
			attrs[attrKey] = value
		}
	}

	if !haveReserved {
		return nil, nil
	}
	if !haveTraceID {
		return nil, fmt.Errorf("%w: missing %s", ErrDecode, textFieldTraceID)
	}
	if !haveSpanID {
		return nil, fmt.Errorf("%w: missing %s", ErrDecode, textFieldSpanID)
	}
	if !haveSampled {
		return nil, fmt.Errorf("%w: missing %s", ErrDecode, textFieldSampled)
	}
	if err := validateHexID(traceID, traceIDHexLen); err != nil {
		return nil, fmt.Errorf("%w: trace id: %v", ErrDecode, err)
	}
	if err := validateHexID(spanID, spanIDHexLen); err != nil {
		return nil, fmt.Errorf("%w: span id: %v", ErrDecode, err)
	}
	sampled, err := strconv.ParseBool(sampledRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: sampled flag %q", ErrDecode, sampledRaw)
	}

	return newTraceContext(strings.ToLower(traceID), strings.ToLower(spanID), sampled, attrs), nil
}

// EncodeBinary encodes a context into a compact opaque byte sequence:
// a version byte, raw trace and span id bytes, a flag byte, then
// uvarint-framed attribute pairs. A nil context encodes to nil.
func EncodeBinary(tc *TraceContext) ([]byte, error) {
	if tc == nil {
		return nil, nil
	}

	traceID, err := decodeHexID(tc.TraceID(), traceIDHexLen)
	if err != nil {
		return nil, fmt.Errorf("spanz: trace id not encodable: %w", err)
	}
	spanID, err := decodeHexID(tc.SpanID(), spanIDHexLen)
	if err != nil {
		return nil, fmt.Errorf("spanz: span id not encodable: %w", err)
	}

	attrs := tc.attributeSnapshot()

	buf := make([]byte, 0, 2+traceIDByteLen+spanIDByteLen+16*len(attrs))
	buf = append(buf, binaryVersion)
	buf = append(buf, traceID...)
	buf = append(buf, spanID...)
	var flags byte
	if tc.Sampled() {
		flags |= 0x01
	}
	buf = append(buf, flags)
	buf = binary.AppendUvarint(buf, uint64(len(attrs)))
	for k, v := range attrs {
		buf = binary.AppendUvarint(buf, uint64(len(k)))
		buf = append(buf, k...)
		buf = binary.AppendUvarint(buf, uint64(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

// DecodeBinary reconstructs a context from a binary carrier produced by
// EncodeBinary. Empty input decodes to (nil, nil): no upstream context.
// Truncated, corrupted, or foreign-format input returns ErrDecode; no
// partially populated context is ever produced.
func DecodeBinary(data []byte) (*TraceContext, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] != binaryVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrDecode, data[0])
	}

	const headerLen = 2 + traceIDByteLen + spanIDByteLen
	if len(data) < headerLen {
		return nil, fmt.Errorf("%w: truncated header", ErrDecode)
	}

	offset := 1
	traceID := hex.EncodeToString(data[offset : offset+traceIDByteLen])
	offset += traceIDByteLen
	spanID := hex.EncodeToString(data[offset : offset+spanIDByteLen])
	offset += spanIDByteLen
	flags := data[offset]
	offset++
	sampled := flags&0x01 != 0

	r := bytes.NewReader(data[offset:])
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute count", ErrDecode)
	}
	// Each attribute needs at least two length bytes on the wire.
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: attribute count exceeds payload", ErrDecode)
	}

	var attrs map[string]string
	if count > 0 {
		attrs = make(map[string]string, count)
	}
	for i := uint64(0); i < count; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute key: %v", ErrDecode, err)
		}
		key = strings.ToLower(key)
		if !attrKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: attribute key %q", ErrDecode, key)
		}
		value, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("%w: attribute value: %v", ErrDecode, err)
		}
		attrs[key] = value
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrDecode, r.Len())
	}

	return newTraceContext(traceID, spanID, sampled, attrs), nil
}

func readLenPrefixed(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > uint64(r.Len()) {
		return "", fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func validateHexID(id string, hexLen int) error {
	if len(id) != hexLen {
		return fmt.Errorf("want %d hex chars, got %d", hexLen, len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return err
	}
	return nil
}

func decodeHexID(id string, hexLen int) ([]byte, error) {
	if len(id) != hexLen {
		return nil, fmt.Errorf("want %d hex chars, got %d", hexLen, len(id))
	}
	return hex.DecodeString(id)
}
