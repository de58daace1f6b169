package ring

import (
	"math/rand"
	"testing"
)

func TestTryAllocateDisjointMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		capacity := uint64(rng.Intn(4096) + 1)
		a := New(capacity)

		var sum, prevEnd uint64
		for {
			n := uint64(rng.Intn(64) + 1)
			off, ok := a.TryAllocate(n)
			if sum+n > capacity {
				if ok {
					t.Fatalf("allocation of %d past capacity %d succeeded (head %d)", n, capacity, sum)
				}
				break
			}
			if !ok {
				t.Fatalf("allocation of %d failed with %d/%d used", n, sum, capacity)
			}
			if off < prevEnd {
				t.Fatalf("offset %d overlaps previous range ending at %d", off, prevEnd)
			}
			prevEnd = off + n
			sum += n
		}
		if a.Head() != sum {
			t.Errorf("Head = %d, want %d", a.Head(), sum)
		}
	}
}

func TestTryAllocateExactFit(t *testing.T) {
	a := New(16)
	if off, ok := a.TryAllocate(16); !ok || off != 0 {
		t.Fatalf("TryAllocate(16) = %d, %v", off, ok)
	}
	if _, ok := a.TryAllocate(1); ok {
		t.Error("allocation from full ring succeeded")
	}
	if off, ok := a.TryAllocate(0); !ok || off != 16 {
		t.Errorf("empty allocation = %d, %v", off, ok)
	}
}

func TestTryAllocateAligned(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		prefix   uint64
		n, align uint64
		wantOff  uint64
		wantOK   bool
	}{
		{"no align", 64, 3, 4, 0, 3, true},
		{"aligned up", 64, 3, 4, 16, 16, true},
		{"already aligned", 64, 32, 8, 16, 32, true},
		{"padding overflows", 64, 50, 8, 64, 0, false},
		{"tail fits exactly", 64, 40, 16, 16, 48, true},
		{"tail too big", 64, 40, 17, 16, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.capacity)
			if _, ok := a.TryAllocate(tt.prefix); !ok {
				t.Fatal("prefix allocation failed")
			}
			off, ok := a.TryAllocateAligned(tt.n, tt.align)
			if ok != tt.wantOK || (ok && off != tt.wantOff) {
				t.Errorf("TryAllocateAligned(%d, %d) = %d, %v; want %d, %v",
					tt.n, tt.align, off, ok, tt.wantOff, tt.wantOK)
			}
			if !ok && a.Head() != tt.prefix {
				t.Errorf("failed allocation moved head to %d", a.Head())
			}
		})
	}
}

func TestReset(t *testing.T) {
	var a Allocator
	if _, ok := a.TryAllocate(1); ok {
		t.Fatal("zero Allocator allocated")
	}
	a.Reset(8)
	if off, ok := a.TryAllocate(8); !ok || off != 0 {
		t.Fatalf("after Reset: %d, %v", off, ok)
	}
	a.Reset(4)
	if a.Head() != 0 || a.Remaining() != 4 || a.Capacity() != 4 {
		t.Errorf("Reset(4): head=%d remaining=%d capacity=%d", a.Head(), a.Remaining(), a.Capacity())
	}
}

func BenchmarkTryAllocate(b *testing.B) {
	a := New(1 << 20)
	for i := 0; i < b.N; i++ {
		if _, ok := a.TryAllocateAligned(48, 16); !ok {
			a.Reset(1 << 20)
		}
	}
}
