package memtext

import (
	"bytes"
	"encoding/gob"
	"strings"
	"testing"
)

func registerGobTypeForTest(v interface{}) {
	gob.Register(v)
}

func TestNativeRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressEnable = false

	cases := []interface{}{
		byte(42),
		true,
		false,
		int32(-12345),
		int64(1 << 40),
		int16(-7),
		rune('漢'),
		"hello world",
		StringBuilder("mutable"),
		float32(3.5),
		float64(2.71828),
		Date(637000000000000000),
	}

	for _, v := range cases {
		payload, flags, err := encodeValue(cfg, v)
		if err != nil {
			t.Fatalf("encode(%v): %v", v, err)
		}
		got, err := decodeValue(payload, flags, false)
		if err != nil {
			t.Fatalf("decode(%v): %v", v, err)
		}
		if got != v {
			t.Errorf("round trip mismatch: got %#v (%T), want %#v (%T)", got, got, v, v)
		}
	}
}

func TestEmptyStringRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressEnable = false
	payload, flags, err := encodeValue(cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Errorf("got %q, want empty string", got)
	}
}

func TestCompressionThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressEnable = true
	cfg.CompressThreshold = 100

	big := strings.Repeat("x", 200)
	payload, flags, err := encodeValue(cfg, big)
	if err != nil {
		t.Fatal(err)
	}
	if flags&flagCompressed == 0 {
		t.Error("expected compressed flag to be set for payload over threshold")
	}

	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != big {
		t.Errorf("decompressed value mismatch: got len %d, want len %d", len(got.(string)), len(big))
	}
}

func TestCompressionBelowThresholdSkipsGzip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressEnable = true
	cfg.CompressThreshold = 1000

	payload, flags, err := encodeValue(cfg, "short")
	if err != nil {
		t.Fatal(err)
	}
	if flags&flagCompressed != 0 {
		t.Error("payload under threshold should not be compressed")
	}
	if !bytes.Contains(payload, []byte("short")) {
		t.Error("expected uncompressed payload to contain the literal text")
	}
}

func TestCompressedBlobAlwaysDecompressesRegardlessOfConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompressEnable = true
	cfg.CompressThreshold = 1
	payload, flags, err := encodeValue(cfg, "needs compression")
	if err != nil {
		t.Fatal(err)
	}

	// Even with compression disabled on this config, a blob already
	// carrying the compressed bit must decompress correctly on read.
	readCfg := DefaultConfig()
	readCfg.CompressEnable = false
	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != "needs compression" {
		t.Errorf("got %v", got)
	}
	_ = readCfg
}

func TestPrimitiveAsStringHasNoTagOrFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrimitiveAsString = true
	cfg.CompressEnable = false

	payload, flags, err := encodeValue(cfg, int64(42))
	if err != nil {
		t.Fatal(err)
	}
	if flags != 0 {
		t.Errorf("primitiveAsString payload must carry no flags, got %d", flags)
	}
	if string(payload) != "42" {
		t.Errorf("expected plain text '42', got %q", payload)
	}

	got, err := decodeValue(payload, flags, true)
	if err != nil {
		t.Fatal(err)
	}
	if got != "42" {
		t.Errorf("got %v", got)
	}
}

func TestOpaqueSerializationFallback(t *testing.T) {
	type custom struct {
		A int
		B string
	}
	// Needed so gob can decode back into an interface{}.
	registerGobTypeForTest(custom{})

	cfg := DefaultConfig()
	cfg.CompressEnable = false
	v := custom{A: 7, B: "seven"}

	payload, flags, err := encodeValue(cfg, v)
	if err != nil {
		t.Fatal(err)
	}
	if flags&flagOpaque == 0 {
		t.Error("expected opaque flag for a struct outside the native-handler set")
	}

	got, err := decodeValue(payload, flags, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != v {
		t.Errorf("got %#v, want %#v", got, v)
	}
}
