package taps

import "testing"

func newTestConnection() *Connection {
	adapter := newStubAdapter("stub", false)
	group := newConnectionGroup(nil, nil, nil, nil)
	return newConnection(group, adapter, RoleClient, nil)
}

func TestConnectionStateTransitionsAreMonotonic(t *testing.T) {
	c := newTestConnection()
	if c.State() != Establishing {
		t.Fatalf("initial state = %v, want Establishing", c.State())
	}
	if !c.transition(Established) {
		t.Fatal("Establishing -> Established should succeed")
	}
	if c.transition(Establishing) {
		t.Fatal("Established -> Establishing should be rejected (backward transition)")
	}
	if c.State() != Established {
		t.Fatalf("state after rejected backward transition = %v, want Established", c.State())
	}
	if !c.transition(Closing) {
		t.Fatal("Established -> Closing should succeed")
	}
	if !c.transition(Closing) {
		t.Fatal("Closing -> Closing (idempotent) should succeed")
	}
	if !c.transition(Closed) {
		t.Fatal("Closing -> Closed should succeed")
	}
}

func TestConnectionSendRejectedBeforeEstablished(t *testing.T) {
	c := newTestConnection()
	if err := c.Send(NewMessage([]byte("hi"))); err == nil {
		t.Fatal("expected Send to fail before the connection reaches Established")
	}
}

func TestConnectionReceiveDeliversQueuedMessageImmediately(t *testing.T) {
	c := newTestConnection()
	c.transition(Established)
	c.onProtocolReceive([]byte("buffered"))

	var got *Message
	c.Receive(func(conn *Connection, msg *Message, err error) {
		got = msg
	})
	if got == nil || string(got.Data) != "buffered" {
		t.Fatalf("Receive did not deliver the buffered message, got %+v", got)
	}
}

func TestConnectionReceiveQueuesCallbackUntilMessageArrives(t *testing.T) {
	c := newTestConnection()
	c.transition(Established)

	received := make(chan *Message, 1)
	c.Receive(func(conn *Connection, msg *Message, err error) {
		received <- msg
	})

	select {
	case <-received:
		t.Fatal("callback fired before any message arrived")
	default:
	}

	c.onProtocolReceive([]byte("late"))
	select {
	case msg := <-received:
		if string(msg.Data) != "late" {
			t.Fatalf("got %q, want \"late\"", msg.Data)
		}
	default:
		t.Fatal("callback did not fire after message arrived")
	}
}

func TestConnectionInvokeClosedDrainsPendingCallbacksWithError(t *testing.T) {
	c := newTestConnection()
	c.transition(Established)

	errCh := make(chan error, 1)
	c.Receive(func(conn *Connection, msg *Message, err error) {
		errCh <- err
	})

	c.invokeClosed()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected a non-nil error delivered to the pending receive callback")
		}
	default:
		t.Fatal("pending receive callback was never drained on close")
	}
	if c.State() != Closed {
		t.Fatalf("state after invokeClosed = %v, want Closed", c.State())
	}
}
