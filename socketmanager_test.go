package taps

import "testing"

func TestSocketManagerRefCountingClosesAtZero(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	sm := NewSocketManager(adapter, nil, nil, nil, nil)
	if sm.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1", sm.RefCount())
	}

	sm.Ref()
	sm.Ref()
	if sm.RefCount() != 3 {
		t.Fatalf("RefCount = %d, want 3", sm.RefCount())
	}

	sm.Unref()
	sm.Unref()
	if sm.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1 after two Unref calls", sm.RefCount())
	}

	sm.Unref()
	if sm.RefCount() != 0 {
		t.Fatalf("RefCount = %d, want 0", sm.RefCount())
	}
}

func TestSocketManagerInsertConnectionRejectsDuplicate(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	sm := NewSocketManager(adapter, nil, nil, nil, nil)
	group := newConnectionGroup(sm, nil, nil, nil)
	conn := newConnection(group, adapter, RoleServer, nil)

	if err := sm.InsertConnection("peer:1", conn); err != nil {
		t.Fatalf("first InsertConnection: %v", err)
	}
	if err := sm.InsertConnection("peer:1", conn); err == nil {
		t.Fatal("expected error inserting a duplicate peer address")
	}
}

func TestSocketManagerGetOrCreateReturnsExistingOnSecondCall(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	sm := NewSocketManager(adapter, nil, nil, nil, nil)
	group := newConnectionGroup(sm, nil, nil, nil)

	var created int
	newFn := func() *Connection {
		created++
		return newConnection(group, adapter, RoleServer, nil)
	}

	first, wasNew := sm.GetOrCreate("peer:1", newFn)
	if !wasNew {
		t.Fatal("expected first GetOrCreate to report wasNew=true")
	}
	second, wasNew := sm.GetOrCreate("peer:1", newFn)
	if wasNew {
		t.Fatal("expected second GetOrCreate to report wasNew=false")
	}
	if first != second {
		t.Fatal("GetOrCreate returned different connections for the same peer")
	}
	if created != 1 {
		t.Fatalf("newFn called %d times, want 1", created)
	}
}

func TestSocketManagerRemoveConnectionDropsRef(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	sm := NewSocketManager(adapter, nil, nil, nil, nil)
	sm.Ref()
	group := newConnectionGroup(sm, nil, nil, nil)
	conn := newConnection(group, adapter, RoleServer, nil)
	_ = sm.InsertConnection("peer:1", conn)

	sm.RemoveConnection(conn)
	if sm.RefCount() != 1 {
		t.Fatalf("RefCount = %d, want 1 after RemoveConnection", sm.RefCount())
	}
	if _, ok := sm.GetConnectionFromRemote("peer:1"); ok {
		t.Fatal("expected connection to be removed from the demux table")
	}
}
