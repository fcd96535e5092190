package lsm

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// BloomFilter answers "might this sorted run hold this user key" before
// the read path pays for a block read. False positives are possible;
// false negatives are not, so a negative answer lets Get skip the file
// entirely. Every SSTable carries one in its footer, built over the
// user keys (not full internal keys) so all versions of a key probe the
// same bits.
type BloomFilter struct {
	words     []uint64
	nbits     int
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems keys at the given
// target false-positive rate, using the standard m = -n*ln(p)/ln(2)^2
// and k = m/n*ln(2) optima.
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	nbits := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	const maxBits = 1 << 30 // 128 MiB of filter is already absurd for one run
	if nbits > maxBits {
		nbits = maxBits
	}
	if nbits < 64 {
		nbits = 64
	}

	hashCount := int(math.Round(float64(nbits) / float64(expectedItems) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 30 {
		hashCount = 30
	}

	return &BloomFilter{
		words:     make([]uint64, (nbits+63)/64),
		nbits:     nbits,
		hashCount: hashCount,
	}
}

// probes derives the double-hashing pair for key from one FNV-1a pass:
// h2 continues the same hash over a separator byte and is forced odd,
// so the probe sequence h1 + i*h2 walks the bit array without rehashing
// the key per probe.
func (bf *BloomFilter) probes(key []byte) (h1, h2 uint64) {
	h := fnv.New64a()
	h.Write(key)
	h1 = h.Sum64()
	h.Write([]byte{0xff})
	h2 = h.Sum64() | 1
	return h1, h2
}

// Add records key in the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := bf.probes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(bf.nbits)
		bf.words[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain reports whether key might have been added. A false return
// is definitive.
func (bf *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := bf.probes(key)
	for i := 0; i < bf.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % uint64(bf.nbits)
		if bf.words[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Bits returns the filter's size in bits.
func (bf *BloomFilter) Bits() int { return bf.nbits }

// HashCount returns the number of probe positions per key.
func (bf *BloomFilter) HashCount() int { return bf.hashCount }

// MarshalBinary lays the filter out as nbits(8) | hash_count(8) |
// packed words, the self-describing form BuildSSTable embeds in the
// footer so UnmarshalBinary needs no out-of-band sizing.
func (bf *BloomFilter) MarshalBinary() []byte {
	data := make([]byte, 16+8*len(bf.words))
	binary.LittleEndian.PutUint64(data[0:8], uint64(bf.nbits))
	binary.LittleEndian.PutUint64(data[8:16], uint64(bf.hashCount))
	for i, w := range bf.words {
		binary.LittleEndian.PutUint64(data[16+8*i:], w)
	}
	return data
}

// UnmarshalBinary replaces the filter's contents with a footer
// previously produced by MarshalBinary.
func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return CorruptionError("BloomFilter.UnmarshalBinary", fmt.Errorf("filter truncated at %d bytes", len(data)))
	}
	nbits := int(binary.LittleEndian.Uint64(data[0:8]))
	hashCount := int(binary.LittleEndian.Uint64(data[8:16]))
	if nbits < 1 || hashCount < 1 {
		return CorruptionError("BloomFilter.UnmarshalBinary", fmt.Errorf("bad filter header nbits=%d hash_count=%d", nbits, hashCount))
	}
	nwords := (nbits + 63) / 64
	if len(data) < 16+8*nwords {
		return CorruptionError("BloomFilter.UnmarshalBinary", fmt.Errorf("filter body truncated: need %d words", nwords))
	}
	words := make([]uint64, nwords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[16+8*i:])
	}
	bf.nbits = nbits
	bf.hashCount = hashCount
	bf.words = words
	return nil
}
