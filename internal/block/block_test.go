package block

import (
	"sort"
	"testing"

	"github.com/go-test/deep"
)

func TestKey(t *testing.T) {
	tests := []struct {
		prefix string
		idx    int64
		key    string
	}{
		{"db", 0, "db/0000000000"},
		{"db", 7, "db/0000000007"},
		{"main.db", 262144, "main.db/0000262144"},
		{"x", 9999999999, "x/9999999999"},
	}
	for _, tt := range tests {
		if got := Key(tt.prefix, tt.idx); got != tt.key {
			t.Errorf("Key(%q, %d) = %q, expected %q", tt.prefix, tt.idx, got, tt.key)
		}
	}
}

func TestKeyOrdering(t *testing.T) {
	idxs := []int64{1000, 9, 10, 0, 262145, 99, 1}
	keys := make([]string, len(idxs))
	for i, idx := range idxs {
		keys[i] = Key("f", idx)
	}
	sort.Strings(keys)
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	for i, idx := range idxs {
		if keys[i] != Key("f", idx) {
			t.Fatalf("lexical order differs from numeric order at %d: %v", i, keys)
		}
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name      string
		off, n    int64
		blockSize int64
		expected  []Segment
	}{
		{"empty", 10, 0, 4096, nil},
		{"full block", 0, 4096, 4096, []Segment{{0, 0, 4096}}},
		{"inside block", 100, 10, 4096, []Segment{{0, 100, 10}}},
		{"straddle", 4090, 10, 4096, []Segment{{0, 4090, 6}, {1, 0, 4}}},
		{"5000 bytes", 0, 5000, 4096, []Segment{{0, 0, 4096}, {1, 0, 904}}},
		{"many", 5, 30, 10, []Segment{{0, 5, 5}, {1, 0, 10}, {2, 0, 10}, {3, 0, 5}}},
		{"aligned later block", 8192, 4096, 4096, []Segment{{2, 0, 4096}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := deep.Equal(Plan(tt.off, tt.n, tt.blockSize), tt.expected); diff != nil {
				t.Error(diff)
			}
		})
	}
}

// TestPlanCoverage checks that plans cover their range contiguously.
func TestPlanCoverage(t *testing.T) {
	const blockSize = 7
	for off := int64(0); off < 30; off++ {
		for n := int64(0); n < 30; n++ {
			pos := off
			var total int64
			for _, s := range Plan(off, n, blockSize) {
				if s.Block*blockSize+s.Start != pos {
					t.Fatalf("gap or overlap at off=%d n=%d: segment %+v starts at %d, expected %d",
						off, n, s, s.Block*blockSize+s.Start, pos)
				}
				if s.Len <= 0 || s.Start+s.Len > blockSize {
					t.Fatalf("segment %+v out of block bounds", s)
				}
				pos += s.Len
				total += s.Len
			}
			if total != n {
				t.Fatalf("off=%d n=%d: segments sum to %d", off, n, total)
			}
		}
	}
}

func TestIndex(t *testing.T) {
	idx, err := Index("main.db", Key("main.db", 262144))
	if err != nil {
		t.Fatalf("unable to parse index: %v", err)
	}
	if idx != 262144 {
		t.Errorf("expected 262144, got %d", idx)
	}

	for _, key := range []string{"main.db/12", "other/0000000001", "main.db/000000000x", "main.db/sub/000000001"} {
		if _, err := Index("main.db", key); err == nil {
			t.Errorf("expected error for %q", key)
		}
	}
}
