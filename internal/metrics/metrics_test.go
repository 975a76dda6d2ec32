package metrics

import "testing"

func TestRegistryCountersTrackOpenAndClose(t *testing.T) {
	r := New()
	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.GroupCreated()
	r.SocketManagerOpened()
	r.RaceStarted()
	r.RaceStarted()
	r.RaceFinished()

	snap := r.Snapshot()
	if snap.Connections != 1 {
		t.Errorf("Connections = %d, want 1", snap.Connections)
	}
	if snap.Groups != 1 {
		t.Errorf("Groups = %d, want 1", snap.Groups)
	}
	if snap.SocketManagers != 1 {
		t.Errorf("SocketManagers = %d, want 1", snap.SocketManagers)
	}
	if snap.ActiveRaces != 1 {
		t.Errorf("ActiveRaces = %d, want 1", snap.ActiveRaces)
	}
}

func TestRegistryNilReceiverIsSafe(t *testing.T) {
	var r *Registry
	r.ConnectionOpened()
	r.ConnectionClosed()
	r.GroupCreated()
	r.GroupFreed()
	r.SocketManagerOpened()
	r.SocketManagerClosed()
	r.RaceStarted()
	r.RaceFinished()
}
