package taps

import "testing"

func TestConnectionGroupMembershipAndActiveCount(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	group := newConnectionGroup(nil, nil, nil, nil)
	a := newConnection(group, adapter, RoleClient, nil)
	b := newConnection(group, adapter, RoleClient, nil)

	if len(group.Members()) != 2 {
		t.Fatalf("Members() = %d, want 2", len(group.Members()))
	}
	if group.NumActiveConnections() != 2 {
		t.Fatalf("NumActiveConnections = %d, want 2", group.NumActiveConnections())
	}

	a.invokeClosed()
	if group.NumActiveConnections() != 1 {
		t.Fatalf("NumActiveConnections = %d, want 1 after closing one member", group.NumActiveConnections())
	}

	b.invokeClosed()
	if group.NumActiveConnections() != 0 {
		t.Fatalf("NumActiveConnections = %d, want 0 after closing all members", group.NumActiveConnections())
	}
}

func TestConnectionGroupCloseAllClosesEveryMember(t *testing.T) {
	adapter := newStubAdapter("stub", false)
	group := newConnectionGroup(nil, nil, nil, nil)
	a := newConnection(group, adapter, RoleClient, nil)
	b := newConnection(group, adapter, RoleClient, nil)
	a.transition(Established)
	b.transition(Established)

	if err := group.closeAll(); err != nil {
		t.Fatalf("closeAll: %v", err)
	}
	if a.State() != Closing && a.State() != Closed {
		t.Fatalf("member a state = %v, want Closing or Closed", a.State())
	}
	if b.State() != Closing && b.State() != Closed {
		t.Fatalf("member b state = %v, want Closing or Closed", b.State())
	}
}

func TestConnectionGroupStateRoundTrip(t *testing.T) {
	group := newConnectionGroup(nil, nil, nil, nil)
	if group.GroupState() != nil {
		t.Fatal("expected nil group state on a fresh group")
	}
	group.SetGroupState("shared-transport")
	if group.GroupState() != "shared-transport" {
		t.Fatalf("GroupState() = %v, want \"shared-transport\"", group.GroupState())
	}
}
