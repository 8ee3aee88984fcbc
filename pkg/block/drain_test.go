package block

import (
	"context"
	"testing"
	"time"
)

func TestDrain_NestsAndRepeats(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()

	n.DrainedBegin()
	n.DrainedBegin()
	if !n.Quiesced() {
		t.Fatal("node should be quiesced inside nested sections")
	}
	n.DrainedEnd()
	if !n.Quiesced() {
		t.Fatal("node should stay quiesced until the outer section ends")
	}
	n.DrainedEnd()
	if n.Quiesced() {
		t.Fatal("node should not be quiesced after the last end")
	}

	// Draining an idle node returns immediately.
	n.Drain()
}

func TestDrain_UnmatchedEndPanics(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()

	defer func() {
		if recover() == nil {
			t.Error("DrainedEnd without DrainedBegin should panic")
		}
	}()
	n.DrainedEnd()
}

func TestDrain_WaitsForInFlight(t *testing.T) {
	d := newFakeDriver()
	d.blockRead = make(chan struct{})
	n := mustOpen(t, d, 0, nil)
	defer n.Close()

	readDone := make(chan error, 1)
	go func() {
		_, err := n.ReadAt(context.Background(), 0, NewIOVector(make([]byte, 16)))
		readDone <- err
	}()

	// Wait until the read is admitted and stalled inside the driver.
	for n.InFlight() == 0 {
		time.Sleep(time.Millisecond)
	}

	drained := make(chan struct{})
	go func() {
		n.DrainedBegin()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("DrainedBegin returned while a read was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(d.blockRead)
	if err := <-readDone; err != nil {
		t.Fatalf("read failed: %v", err)
	}
	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("DrainedBegin did not return after the read finished")
	}
	n.DrainedEnd()
}

func TestDrain_BlocksNewOperations(t *testing.T) {
	n := mustOpen(t, newFakeDriver(), 0, nil)
	defer n.Close()

	n.DrainedBegin()

	readDone := make(chan error, 1)
	go func() {
		_, err := n.ReadAt(context.Background(), 0, NewIOVector(make([]byte, 16)))
		readDone <- err
	}()

	select {
	case <-readDone:
		t.Fatal("read completed while the node was quiesced")
	case <-time.After(20 * time.Millisecond):
	}

	n.DrainedEnd()
	select {
	case err := <-readDone:
		if err != nil {
			t.Fatalf("read failed after drain ended: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("read did not resume after DrainedEnd")
	}
}

func TestDrain_PropagatesToChildren(t *testing.T) {
	childDrv := newFakeDriver()
	MustRegister(childDrv)
	child, err := Open(context.Background(), childDrv.name, "", nil, nil, 0)
	if err != nil {
		t.Fatalf("open child: %v", err)
	}
	defer child.Close()

	parent := mustOpen(t, newFakeDriver(), 0, map[string]*Node{"file": child})
	defer parent.Close()

	parent.DrainedBegin()
	if !child.Quiesced() {
		t.Error("draining the parent should quiesce the child")
	}
	parent.DrainedEnd()
	if child.Quiesced() {
		t.Error("child should resume when the parent's section ends")
	}
}
