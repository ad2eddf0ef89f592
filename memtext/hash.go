package memtext

import (
	"hash/crc32"
	"strconv"
	"unicode/utf16"

	"github.com/spaolacci/murmur3"
)

// hashKey applies the configured algorithm to key, returning a signed
// 32-bit hash value matching spec's bucket-selection arithmetic.
func hashKey(alg HashAlg, key string) int32 {
	switch alg {
	case HashAlgOldCompat:
		return oldCompatHash(key)
	case HashAlgNewCompat:
		return newCompatHash(key)
	default:
		return nativeHash(key)
	}
}

// nativeHash is murmur3's 32-bit hash, the fast well-distributed hash
// used when no cross-client compatibility is required.
func nativeHash(key string) int32 {
	return int32(murmur3.Sum32([]byte(key)))
}

// oldCompatHash reproduces a DJB-style h = h*33 + c rolling hash computed
// over the key's UTF-16 code units (not its UTF-8 bytes), matching older
// non-Go memcached clients built against a UTF-16-native string type.
func oldCompatHash(key string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(key)) {
		h = h*33 + int32(c)
	}
	return h
}

// newCompatHash folds a CRC32 of the key's UTF-8 bytes into memcached's
// traditional 15-bit range, matching newer cross-client hash schemes.
func newCompatHash(key string) int32 {
	crc := crc32.ChecksumIEEE([]byte(key))
	return int32((crc >> 16) & 0x7fff)
}

// bucketIndex maps a hash value into [0, n) using floored-modulo
// arithmetic so negative hash values still land in range.
func bucketIndex(hv int32, n int) int {
	if n <= 0 {
		return 0
	}
	idx := int(hv) % n
	if idx < 0 {
		idx += n
	}
	return idx
}

// failoverKey is the key presented to the hash function on failover
// retry attempt t (t >= 1): the retry counter is prepended to the key.
func failoverKey(t int, key string) string {
	return strconv.Itoa(t) + key
}
