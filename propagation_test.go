package spanz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func propagatedContext(t *testing.T, tracer *Tracer) *TraceContext {
	t.Helper()
	tc, _ := tracer.StartTrace("op", nil)
	require.NoError(t, tc.SetAttribute("auth-token", "secret"))
	require.NoError(t, tc.SetAttribute("tenant", "acme"))
	require.NoError(t, tc.SetAttribute("empty-ok", ""))
	return tc
}

func assertEquivalent(t *testing.T, want, got *TraceContext) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.TraceID(), got.TraceID())
	assert.Equal(t, want.SpanID(), got.SpanID())
	assert.Equal(t, want.Sampled(), got.Sampled())

	wantAttrs := map[string]string{}
	want.ForeachAttribute(func(k, v string) bool {
		wantAttrs[k] = v
		return true
	})
	gotAttrs := map[string]string{}
	got.ForeachAttribute(func(k, v string) bool {
		gotAttrs[k] = v
		return true
	})
	assert.Equal(t, wantAttrs, gotAttrs)
}

func TestTextMapRoundTrip(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc := propagatedContext(t, tracer)

	decoded, err := DecodeTextMap(EncodeTextMap(tc))
	require.NoError(t, err)
	assertEquivalent(t, tc, decoded)
}

func TestTextMapRoundTripNoAttributes(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	decoded, err := DecodeTextMap(EncodeTextMap(tc))
	require.NoError(t, err)
	assertEquivalent(t, tc, decoded)
	assert.Equal(t, 0, decoded.AttributeCount())
}

func TestTextMapCarrierShape(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc := propagatedContext(t, tracer)

	carrier := EncodeTextMap(tc)
	assert.Equal(t, tc.TraceID(), carrier["spanz-traceid"])
	assert.Equal(t, tc.SpanID(), carrier["spanz-spanid"])
	assert.Equal(t, "true", carrier["spanz-sampled"])
	assert.Equal(t, "secret", carrier["spanz-attr-auth-token"])
	assert.Len(t, carrier, 6)
}

func TestDecodeTextMapAbsent(t *testing.T) {
	// Absence is a valid result, not an error: callers distinguish "no
	// upstream trace" from corruption.
	for name, carrier := range map[string]map[string]string{
		"nil":          nil,
		"empty":        {},
		"foreign-only": {"content-type": "application/json", "x-request-id": "abc"},
	} {
		tc, err := DecodeTextMap(carrier)
		assert.NoError(t, err, name)
		assert.Nil(t, tc, name)
	}
}

func TestDecodeTextMapMalformed(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	valid := EncodeTextMap(propagatedContext(t, tracer))

	mutate := func(fn func(m map[string]string)) map[string]string {
		m := make(map[string]string, len(valid))
		for k, v := range valid {
			m[k] = v
		}
		fn(m)
		return m
	}

	cases := map[string]map[string]string{
		"missing trace id": mutate(func(m map[string]string) { delete(m, "spanz-traceid") }),
		"missing span id":  mutate(func(m map[string]string) { delete(m, "spanz-spanid") }),
		"missing sampled":  mutate(func(m map[string]string) { delete(m, "spanz-sampled") }),
		"short trace id":   mutate(func(m map[string]string) { m["spanz-traceid"] = "abcd" }),
		"non-hex trace id": mutate(func(m map[string]string) { m["spanz-traceid"] = "zz" + m["spanz-traceid"][2:] }),
		"bad span id":      mutate(func(m map[string]string) { m["spanz-spanid"] = "nope" }),
		"bad sampled":      mutate(func(m map[string]string) { m["spanz-sampled"] = "maybe" }),
		"bad attr key":     mutate(func(m map[string]string) { m["spanz-attr-bad_key"] = "v" }),
	}

	for name, carrier := range cases {
		tc, err := DecodeTextMap(carrier)
		assert.ErrorIs(t, err, ErrDecode, name)
		assert.Nil(t, tc, "%s: decode must fail closed", name)
	}
}

func TestDecodeTextMapCaseInsensitive(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc := propagatedContext(t, tracer)

	// Transports canonicalize header casing; decode must not care.
	upper := map[string]string{}
	for k, v := range EncodeTextMap(tc) {
		upper["Spanz-"+k[len("spanz-"):]] = v
	}

	decoded, err := DecodeTextMap(upper)
	require.NoError(t, err)
	assertEquivalent(t, tc, decoded)
}

func TestBinaryRoundTrip(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc := propagatedContext(t, tracer)

	data, err := EncodeBinary(tc)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	decoded, err := DecodeBinary(data)
	require.NoError(t, err)
	assertEquivalent(t, tc, decoded)
}

func TestBinaryRoundTripNoAttributes(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)

	data, err := EncodeBinary(tc)
	require.NoError(t, err)

	decoded, err := DecodeBinary(data)
	require.NoError(t, err)
	assertEquivalent(t, tc, decoded)
}

func TestBinaryNilContext(t *testing.T) {
	data, err := EncodeBinary(nil)
	require.NoError(t, err)
	assert.Nil(t, data)

	tc, err := DecodeBinary(nil)
	require.NoError(t, err)
	assert.Nil(t, tc)

	tc, err = DecodeBinary([]byte{})
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestDecodeBinaryMalformed(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	data, err := EncodeBinary(propagatedContext(t, tracer))
	require.NoError(t, err)

	cases := map[string][]byte{
		"unknown version":  append([]byte{0x7f}, data[1:]...),
		"truncated header": data[:10],
		"truncated attrs":  data[:len(data)-3],
		"trailing bytes":   append(append([]byte{}, data...), 0xde, 0xad),
		"count lies":       append(append([]byte{}, data[:26]...), 0xff),
	}

	for name, buf := range cases {
		tc, err := DecodeBinary(buf)
		assert.ErrorIs(t, err, ErrDecode, name)
		assert.Nil(t, tc, "%s: decode must fail closed", name)
	}
}

func TestRoundTripPreservesDebug(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc, _ := tracer.StartTrace("op", nil)
	tc.SetDebug(true)

	viaText, err := DecodeTextMap(EncodeTextMap(tc))
	require.NoError(t, err)
	assert.True(t, viaText.Debug())

	data, err := EncodeBinary(tc)
	require.NoError(t, err)
	viaBinary, err := DecodeBinary(data)
	require.NoError(t, err)
	assert.True(t, viaBinary.Debug())
}

func TestDecodedContextIsUsable(t *testing.T) {
	tracer := New()
	defer tracer.Close()
	tc := propagatedContext(t, tracer)

	decoded, err := DecodeTextMap(EncodeTextMap(tc))
	require.NoError(t, err)

	// A reconstructed context supports further attribute writes and
	// derivation like a locally created one.
	require.NoError(t, decoded.SetAttribute("hop", "2"))
	span, ok := tracer.JoinTrace("downstream", decoded)
	require.True(t, ok)

	v, ok := span.TraceContext().GetAttribute("hop")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}
