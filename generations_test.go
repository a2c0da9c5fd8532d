package localcache

import "testing"

func TestArenaAllocReusesFreedSlots(t *testing.T) {
	a := newArena(0)

	idx1 := a.alloc(Key{ObjectID: 1}, Value{})
	idx2 := a.alloc(Key{ObjectID: 2}, Value{})
	if idx1 == idx2 {
		t.Fatal("distinct allocations should get distinct indices")
	}

	a.free(idx1)
	idx3 := a.alloc(Key{ObjectID: 3}, Value{})
	if idx3 != idx1 {
		t.Errorf("alloc after free should reuse the freed slot: got %d, want %d", idx3, idx1)
	}
}

func TestGenerationPushBackAndRemove(t *testing.T) {
	a := newArena(0)
	g := newGeneration(genEden, 1<<20)

	i1 := a.alloc(Key{ObjectID: 1}, Value{State: []byte("a")})
	i2 := a.alloc(Key{ObjectID: 2}, Value{State: []byte("b")})
	i3 := a.alloc(Key{ObjectID: 3}, Value{State: []byte("c")})

	g.pushBack(a, i1, entryWeight)
	g.pushBack(a, i2, entryWeight)
	g.pushBack(a, i3, entryWeight)

	if g.len != 3 {
		t.Fatalf("len = %d; want 3", g.len)
	}
	if g.head != i1 || g.tail != i3 {
		t.Fatalf("head=%d tail=%d; want head=%d tail=%d", g.head, g.tail, i1, i3)
	}

	var order []int32
	g.forEachLRUFirst(a, func(idx int32) { order = append(order, idx) })
	want := []int32{i1, i2, i3}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("LRU-first order = %v; want %v", order, want)
		}
	}

	var mruOrder []int32
	g.forEachMRUFirst(a, func(idx int32) { mruOrder = append(mruOrder, idx) })
	wantMRU := []int32{i3, i2, i1}
	for i := range wantMRU {
		if mruOrder[i] != wantMRU[i] {
			t.Fatalf("MRU-first order = %v; want %v", mruOrder, wantMRU)
		}
	}

	g.remove(a, i2, entryWeight)
	if g.len != 2 {
		t.Fatalf("len after remove = %d; want 2", g.len)
	}
	var afterRemove []int32
	g.forEachLRUFirst(a, func(idx int32) { afterRemove = append(afterRemove, idx) })
	if len(afterRemove) != 2 || afterRemove[0] != i1 || afterRemove[1] != i3 {
		t.Fatalf("order after removing middle = %v; want [%d %d]", afterRemove, i1, i3)
	}
}

func TestGenerationWeightTracksEntries(t *testing.T) {
	a := newArena(0)
	g := newGeneration(genEden, 1<<20)

	idx := a.alloc(Key{ObjectID: 1}, Value{State: []byte("hello")})
	g.pushBack(a, idx, entryWeight)

	want := entryWeight(Key{ObjectID: 1}, Value{State: []byte("hello")})
	if g.weight != want {
		t.Errorf("weight = %d; want %d", g.weight, want)
	}

	g.remove(a, idx, entryWeight)
	if g.weight != 0 {
		t.Errorf("weight after remove = %d; want 0", g.weight)
	}
}
