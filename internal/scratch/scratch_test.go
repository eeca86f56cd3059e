package scratch

import (
	"sync"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

func TestTracker(t *testing.T) {
	tr := NewTracker()
	tr.Add(0x10, x86asm.EAX)
	tr.Add(0x10, x86asm.ECX)
	tr.Add(0x20, x86asm.EDX)

	if n := tr.Count(0x10); n != 2 {
		t.Errorf("Count(0x10) = %d, want 2", n)
	}
	if r, ok := tr.Get(0x10); !ok || r != x86asm.ECX {
		t.Errorf("Get(0x10) = %v, %v; want ECX", r, ok)
	}

	all := tr.All(0x10)
	if len(all) != 2 || all[0] != x86asm.EAX || all[1] != x86asm.ECX {
		t.Errorf("All(0x10) = %v", all)
	}
	all[0] = x86asm.ESI
	if r := tr.All(0x10)[0]; r != x86asm.EAX {
		t.Errorf("All must return a copy, tracker now holds %v", r)
	}

	if r, ok := tr.Pop(0x10); !ok || r != x86asm.ECX {
		t.Errorf("Pop(0x10) = %v, %v; want ECX", r, ok)
	}
	if r, ok := tr.Pop(0x10); !ok || r != x86asm.EAX {
		t.Errorf("Pop(0x10) = %v, %v; want EAX", r, ok)
	}
	if _, ok := tr.Pop(0x10); ok {
		t.Error("Pop on an exhausted instruction should fail")
	}
	if _, ok := tr.Get(0x10); ok {
		t.Error("Get on an exhausted instruction should fail")
	}
	if tr.All(0x10) != nil {
		t.Error("All on an exhausted instruction should be nil")
	}

	if n := tr.Count(0x30); n != 0 {
		t.Errorf("Count(unknown) = %d", n)
	}
	if r, ok := tr.Get(0x20); !ok || r != x86asm.EDX {
		t.Errorf("Get(0x20) = %v, %v", r, ok)
	}
}

func TestZeroTrackerAndLiveness(t *testing.T) {
	var tr Tracker
	tr.Add(1, x86asm.EBX)

	var lv Liveness = &tr
	if rs := lv.Scratch(1); len(rs) != 1 || rs[0] != x86asm.EBX {
		t.Errorf("Scratch(1) = %v", rs)
	}
	if rs := lv.Scratch(2); rs != nil {
		t.Errorf("Scratch(2) = %v, want nil", rs)
	}
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Add(7, x86asm.EAX)
			}
		}()
	}
	wg.Wait()
	if n := tr.Count(7); n != 800 {
		t.Errorf("Count = %d, want 800", n)
	}
}
