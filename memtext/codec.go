package memtext

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"strconv"
)

// Flags bits stored alongside every value (spec §4.A).
const (
	flagCompressed uint32 = 0x02
	flagOpaque     uint32 = 0x08
)

// Native-handler tag markers. Each selects a fixed-width or
// length-implicit payload layout on the wire.
type tag byte

const (
	tagByte          tag = 1
	tagBool          tag = 2
	tagInt32         tag = 3
	tagInt64         tag = 4
	tagChar          tag = 5
	tagString        tag = 6
	tagStringBuilder tag = 7
	tagFloat32       tag = 8
	tagInt16         tag = 9
	tagFloat64       tag = 10
	tagDate          tag = 11
)

// StringBuilder marks a string that should decode back as tagStringBuilder
// rather than plain tagString. Most callers never need to distinguish the
// two; it exists so decode(encode(v)) round-trips exactly for both shapes.
type StringBuilder string

// Date is ticks (100-nanosecond units) since the Unix epoch, the
// native-handler's date representation.
type Date int64

// encodeValue produces the (payload, flags) pair to store for v, honoring
// cfg's compression and primitive-as-string settings. Values outside the
// native-handler set fall back to opaque (gob) serialization.
func encodeValue(cfg Config, v interface{}) ([]byte, uint32, error) {
	if cfg.PrimitiveAsString {
		if s, ok := primitiveToString(v); ok {
			return []byte(s), 0, nil
		}
	}

	payload, flags, err := nativeEncode(v)
	if err != nil {
		return nil, 0, err
	}

	return maybeCompress(cfg, payload, flags)
}

func maybeCompress(cfg Config, payload []byte, flags uint32) ([]byte, uint32, error) {
	if cfg.CompressEnable && len(payload) >= cfg.CompressThreshold {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, 0, wrapErr(KindCodec, "", err, "gzip compress failed")
		}
		return compressed, flags | flagCompressed, nil
	}
	return payload, flags, nil
}

// decodeValue reverses encodeValue given the flags word the server
// returned alongside the payload. asString forces a textual
// interpretation regardless of the tag byte, matching get(asString=true).
func decodeValue(payload []byte, flags uint32, asString bool) (interface{}, error) {
	raw := payload
	if flags&flagCompressed != 0 {
		decompressed, err := gzipDecompress(raw)
		if err != nil {
			return nil, wrapErr(KindCodec, "", err, "gzip decompress failed")
		}
		raw = decompressed
	}

	if asString {
		return string(raw), nil
	}

	if flags&flagOpaque != 0 {
		return opaqueDecode(raw)
	}

	return nativeDecode(raw)
}

func primitiveToString(v interface{}) (string, bool) {
	switch x := v.(type) {
	case byte:
		return strconv.FormatUint(uint64(x), 10), true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), true
	case string:
		return x, true
	case StringBuilder:
		return string(x), true
	default:
		return "", false
	}
}

// nativeEncode writes v as [tag byte | fixed-width payload] per spec's
// native-handler table, falling back to opaque gob serialization for any
// shape outside that table.
func nativeEncode(v interface{}) ([]byte, uint32, error) {
	switch x := v.(type) {
	case byte:
		return []byte{byte(tagByte), x}, 0, nil
	case bool:
		b := byte(0)
		if x {
			b = 1
		}
		return []byte{byte(tagBool), b}, 0, nil
	case int32:
		buf := make([]byte, 5)
		buf[0] = byte(tagInt32)
		binary.BigEndian.PutUint32(buf[1:], uint32(x))
		return buf, 0, nil
	case int64:
		buf := make([]byte, 9)
		buf[0] = byte(tagInt64)
		binary.BigEndian.PutUint64(buf[1:], uint64(x))
		return buf, 0, nil
	case int16:
		buf := make([]byte, 5)
		buf[0] = byte(tagInt16)
		binary.BigEndian.PutUint32(buf[1:], uint32(int32(x)))
		return buf, 0, nil
	case string:
		buf := append([]byte{byte(tagString)}, []byte(x)...)
		return buf, 0, nil
	case StringBuilder:
		buf := append([]byte{byte(tagStringBuilder)}, []byte(x)...)
		return buf, 0, nil
	case float32:
		buf := make([]byte, 5)
		buf[0] = byte(tagFloat32)
		binary.LittleEndian.PutUint32(buf[1:], math.Float32bits(x))
		return buf, 0, nil
	case float64:
		buf := make([]byte, 9)
		buf[0] = byte(tagFloat64)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(x))
		return buf, 0, nil
	case Date:
		buf := make([]byte, 9)
		buf[0] = byte(tagDate)
		binary.BigEndian.PutUint64(buf[1:], uint64(x))
		return buf, 0, nil
	default:
		blob, err := opaqueEncode(v)
		if err != nil {
			return nil, 0, wrapErr(KindCodec, "", err, "opaque encode failed")
		}
		return blob, flagOpaque, nil
	}
}

func nativeDecode(raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, newErr(KindCodec, "", "empty payload has no tag byte")
	}
	t := tag(raw[0])
	body := raw[1:]

	switch t {
	case tagByte:
		if len(body) < 1 {
			return nil, newErr(KindCodec, "", "truncated byte payload")
		}
		return body[0], nil
	case tagBool:
		if len(body) < 1 {
			return nil, newErr(KindCodec, "", "truncated bool payload")
		}
		return body[0] != 0, nil
	case tagInt32:
		if len(body) < 4 {
			return nil, newErr(KindCodec, "", "truncated int32 payload")
		}
		return int32(binary.BigEndian.Uint32(body)), nil
	case tagInt64:
		if len(body) < 8 {
			return nil, newErr(KindCodec, "", "truncated int64 payload")
		}
		return int64(binary.BigEndian.Uint64(body)), nil
	case tagInt16:
		if len(body) < 4 {
			return nil, newErr(KindCodec, "", "truncated int16 payload")
		}
		return int16(int32(binary.BigEndian.Uint32(body))), nil
	case tagChar:
		if len(body) < 4 {
			return nil, newErr(KindCodec, "", "truncated char payload")
		}
		return rune(binary.BigEndian.Uint32(body)), nil
	case tagString:
		return string(body), nil
	case tagStringBuilder:
		return StringBuilder(body), nil
	case tagFloat32:
		if len(body) < 4 {
			return nil, newErr(KindCodec, "", "truncated float32 payload")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(body)), nil
	case tagFloat64:
		if len(body) < 8 {
			return nil, newErr(KindCodec, "", "truncated float64 payload")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), nil
	case tagDate:
		if len(body) < 8 {
			return nil, newErr(KindCodec, "", "truncated date payload")
		}
		return Date(binary.BigEndian.Uint64(body)), nil
	default:
		return nil, newErrf(KindCodec, "", "unknown native-handler tag %d", t)
	}
}

// opaqueEncode/opaqueDecode implement the serialization fallback for
// values outside the native-handler's fixed shape set, using gob the way
// Go code reaches for encoding/gob where other languages reach for their
// runtime's binary formatter. Concrete struct types stored this way must
// be registered with gob.Register by the caller before use, same as any
// other gob value stored behind an interface{}.
func opaqueEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	// Encoding through &v sends v as an interface value, carrying the
	// registered type name that opaqueDecode needs to rebuild it.
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func opaqueDecode(raw []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return v, nil
}

func gzipCompress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(raw []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
