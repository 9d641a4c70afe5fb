package store

import (
	"context"
	"testing"
	"time"

	"github.com/suryatmodulus/boxlite/pkg/ids"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestBox(t *testing.T, name string) *Box {
	t.Helper()
	id, err := ids.NewBoxId(ids.SystemClock{})
	if err != nil {
		t.Fatalf("NewBoxId failed: %v", err)
	}
	return &Box{
		ID:   id,
		Name: name,
		Config: Config{
			ImageRef:  "alpine:latest",
			CPUs:      1,
			MemoryMiB: 256,
		},
		State:     StateRecord{State: StateCreated},
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGetBox(t *testing.T) {
	db := openTestDB(t)
	box := newTestBox(t, "web")

	if err := CreateBox(context.Background(), db.Boxes, box); err != nil {
		t.Fatalf("CreateBox failed: %v", err)
	}

	got, err := GetBox(context.Background(), db.Boxes, box.ID)
	if err != nil {
		t.Fatalf("GetBox failed: %v", err)
	}
	if got.Name != "web" {
		t.Errorf("Name = %q, want %q", got.Name, "web")
	}
	if got.Config.ImageRef != "alpine:latest" {
		t.Errorf("ImageRef = %q, want %q", got.Config.ImageRef, "alpine:latest")
	}
	if got.State.State != StateCreated {
		t.Errorf("State = %q, want %q", got.State.State, StateCreated)
	}
}

func TestCreateBoxDuplicateNameRejected(t *testing.T) {
	db := openTestDB(t)

	first := newTestBox(t, "dup")
	if err := CreateBox(context.Background(), db.Boxes, first); err != nil {
		t.Fatalf("first CreateBox failed: %v", err)
	}

	second := newTestBox(t, "dup")
	err := CreateBox(context.Background(), db.Boxes, second)
	if err == nil {
		t.Fatal("expected AlreadyExists error for duplicate name, got nil")
	}
}

func TestUpdateStateRecordsTransition(t *testing.T) {
	db := openTestDB(t)
	box := newTestBox(t, "")
	if err := CreateBox(context.Background(), db.Boxes, box); err != nil {
		t.Fatalf("CreateBox failed: %v", err)
	}

	err := UpdateState(context.Background(), db.Boxes, box.ID, StateRecord{State: StateRunning, EnginePID: 4242}, time.Now())
	if err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	got, err := GetBox(context.Background(), db.Boxes, box.ID)
	if err != nil {
		t.Fatalf("GetBox failed: %v", err)
	}
	if got.State.State != StateRunning {
		t.Errorf("State = %q, want %q", got.State.State, StateRunning)
	}
	if got.State.EnginePID != 4242 {
		t.Errorf("EnginePID = %d, want 4242", got.State.EnginePID)
	}
}

func TestRemoveBoxReleasesNameAndRow(t *testing.T) {
	db := openTestDB(t)
	box := newTestBox(t, "temp")
	if err := CreateBox(context.Background(), db.Boxes, box); err != nil {
		t.Fatalf("CreateBox failed: %v", err)
	}

	if err := RemoveBox(context.Background(), db.Boxes, box.ID); err != nil {
		t.Fatalf("RemoveBox failed: %v", err)
	}

	if _, err := GetBox(context.Background(), db.Boxes, box.ID); err == nil {
		t.Error("expected NotFound after remove, got nil")
	}

	// name should be free again
	reused := newTestBox(t, "temp")
	if err := CreateBox(context.Background(), db.Boxes, reused); err != nil {
		t.Fatalf("reusing released name failed: %v", err)
	}
}

func TestReconcileRecoversDeadEngine(t *testing.T) {
	db := openTestDB(t)
	box := newTestBox(t, "")
	if err := CreateBox(context.Background(), db.Boxes, box); err != nil {
		t.Fatalf("CreateBox failed: %v", err)
	}
	if err := UpdateState(context.Background(), db.Boxes, box.ID, StateRecord{State: StateRunning, EnginePID: 999999999}, time.Now()); err != nil {
		t.Fatalf("UpdateState failed: %v", err)
	}

	recovered, err := Reconcile(context.Background(), db, time.Now())
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != box.ID.String() {
		t.Errorf("recovered = %v, want [%s]", recovered, box.ID)
	}

	got, err := GetBox(context.Background(), db.Boxes, box.ID)
	if err != nil {
		t.Fatalf("GetBox failed: %v", err)
	}
	if got.State.State != StateStopped || got.State.StopReason != StopReasonCrashRecovered {
		t.Errorf("state = %+v, want Stopped(CrashRecovered)", got.State)
	}
}
