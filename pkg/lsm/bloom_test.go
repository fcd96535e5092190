package lsm

import (
	"fmt"
	"testing"
)

func TestBloomFilter_AddAndMayContain(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)

	keys := [][]byte{
		[]byte("apple"),
		[]byte("banana"),
		[]byte("cherry"),
		[]byte(""),
	}
	for _, k := range keys {
		bf.Add(k)
	}
	for _, k := range keys {
		if !bf.MayContain(k) {
			t.Errorf("false negative for %q", k)
		}
	}
}

// TestBloomFilter_NoFalseNegatives is the filter's one hard guarantee:
// every key ever added must report positive.
func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	const n = 5000
	bf := NewBloomFilter(n, 0.01)

	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("user-key-%06d", i)))
	}
	for i := 0; i < n; i++ {
		if !bf.MayContain([]byte(fmt.Sprintf("user-key-%06d", i))) {
			t.Fatalf("false negative for key %d", i)
		}
	}
}

func TestBloomFilter_FalsePositiveRateIsBounded(t *testing.T) {
	const n = 2000
	bf := NewBloomFilter(n, 0.01)
	for i := 0; i < n; i++ {
		bf.Add([]byte(fmt.Sprintf("present-%06d", i)))
	}

	falsePositives := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%06d", i))) {
			falsePositives++
		}
	}
	// 1% target; allow generous slack for hash-quality variance before
	// calling the sizing math broken.
	if rate := float64(falsePositives) / probes; rate > 0.05 {
		t.Errorf("false positive rate %.4f far exceeds the 0.01 target", rate)
	}
}

func TestBloomFilter_SizingClampsDegenerateInputs(t *testing.T) {
	for _, bf := range []*BloomFilter{
		NewBloomFilter(0, 0.01),
		NewBloomFilter(-5, 0.01),
		NewBloomFilter(100, 0),
		NewBloomFilter(100, 1.5),
	} {
		if bf.Bits() < 64 || bf.HashCount() < 1 {
			t.Errorf("degenerate parameters produced an unusable filter: bits=%d hashes=%d", bf.Bits(), bf.HashCount())
		}
		bf.Add([]byte("k"))
		if !bf.MayContain([]byte("k")) {
			t.Error("clamped filter lost an added key")
		}
	}
}

func TestBloomFilter_MarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(500, 0.01)
	for i := 0; i < 500; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%04d", i)))
	}

	data := bf.MarshalBinary()

	// Unmarshal into a filter sized for something else entirely; the
	// footer is self-describing, so the target's original sizing must
	// not matter.
	restored := NewBloomFilter(7, 0.5)
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if restored.Bits() != bf.Bits() || restored.HashCount() != bf.HashCount() {
		t.Fatalf("restored geometry %d/%d != original %d/%d",
			restored.Bits(), restored.HashCount(), bf.Bits(), bf.HashCount())
	}
	for i := 0; i < 500; i++ {
		if !restored.MayContain([]byte(fmt.Sprintf("key-%04d", i))) {
			t.Fatalf("restored filter lost key %d", i)
		}
	}
}

func TestBloomFilter_UnmarshalRejectsCorruptInput(t *testing.T) {
	bf := NewBloomFilter(10, 0.01)

	if err := bf.UnmarshalBinary(nil); err == nil {
		t.Error("expected an error for an empty footer")
	}
	if err := bf.UnmarshalBinary(make([]byte, 8)); err == nil {
		t.Error("expected an error for a truncated header")
	}

	// A header promising more words than the body holds.
	full := NewBloomFilter(10000, 0.01)
	full.Add([]byte("x"))
	data := full.MarshalBinary()
	if err := bf.UnmarshalBinary(data[:20]); err == nil {
		t.Error("expected an error for a truncated body")
	}
}

func TestBloomFilter_DistinctKeysUseDistinctProbes(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	a1, a2 := bf.probes([]byte("alpha"))
	b1, b2 := bf.probes([]byte("beta"))
	if a1 == b1 && a2 == b2 {
		t.Error("expected different keys to hash to different probe pairs")
	}
	if a2%2 == 0 || b2%2 == 0 {
		t.Error("expected the step hash to be forced odd")
	}
}
