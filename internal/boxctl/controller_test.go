package boxctl

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/suryatmodulus/boxlite/internal/portal"
	"github.com/suryatmodulus/boxlite/internal/store"
	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/ids"
)

func newTestBox(t *testing.T, state store.State) *store.Box {
	t.Helper()
	id, err := ids.NewBoxId(ids.SystemClock{})
	if err != nil {
		t.Fatalf("NewBoxId: %v", err)
	}
	return &store.Box{
		ID:        id,
		Name:      "test",
		Config:    store.Config{ImageRef: "alpine:latest", CPUs: 1, MemoryMiB: 256},
		State:     store.StateRecord{State: state},
		CreatedAt: time.Now(),
	}
}

func newTestController(t *testing.T, state store.State) *Controller {
	t.Helper()
	db, err := store.Open(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	box := newTestBox(t, state)
	if err := store.CreateBox(context.Background(), db.Boxes, box); err != nil {
		t.Fatalf("CreateBox: %v", err)
	}

	return New(box, Deps{
		DB:      db,
		HomeDir: t.TempDir(),
		Logger:  slog.Default(),
	})
}

// pipePortalSession wires a controller's session field directly to one end
// of a net.Pipe, letting tests drive Exec/Metrics without a real engine.
func pipePortalSession(t *testing.T, c *Controller) *portal.Session {
	t.Helper()
	hostConn, guestConn := net.Pipe()

	host := portal.NewSession(hostConn, nil)
	guest := portal.NewSession(guestConn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go host.Run(ctx)
	go guest.Run(ctx)

	c.mu.Lock()
	c.session = host
	c.mu.Unlock()

	return guest
}

func TestExecRejectsWhenNotRunning(t *testing.T) {
	c := newTestController(t, store.StateCreated)

	_, err := c.Exec(context.Background(), ExecRequest{Cmd: "echo"})
	if err == nil {
		t.Fatal("expected error execing into a non-running box")
	}
	if !boxliteerr.Is(err, boxliteerr.InvalidState) {
		t.Errorf("expected InvalidState, got %v", err)
	}
}

func TestExecRoundTrip(t *testing.T) {
	c := newTestController(t, store.StateRunning)
	guest := pipePortalSession(t, c)

	// Pretend to be the guest agent: the stream must already exist on the
	// guest side before Exec (host side) sends its first frame, or the
	// frame arrives addressed to an unknown stream and is silently dropped.
	guestStream, err := guest.Open(1, portal.MinWindow)
	if err != nil {
		t.Fatalf("guest Open: %v", err)
	}
	go func() {
		ctx := context.Background()
		if _, err := guestStream.ReadChunk(ctx); err != nil {
			return
		}
		_ = guestStream.Send(ctx, portal.TypeStdoutChunk, []byte("hi\n"))
		_ = guestStream.Send(ctx, portal.TypeExit, []byte{0, 0})
	}()

	exec, err := c.Exec(context.Background(), ExecRequest{Cmd: "echo", Args: []string{"hi"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	defer exec.Close()

	out, err := exec.Stdout(context.Background())
	if err != nil {
		t.Fatalf("Stdout: %v", err)
	}
	if string(out) != "hi\n" {
		t.Errorf("unexpected stdout %q", out)
	}

	result, err := exec.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.Code != 0 || result.Signaled {
		t.Errorf("unexpected exit result %+v", result)
	}
}

func TestRemoveRequiresForceWhenRunning(t *testing.T) {
	c := newTestController(t, store.StateRunning)

	err := c.Remove(context.Background(), false)
	if err == nil {
		t.Fatal("expected error removing a running box without force")
	}
	if !boxliteerr.Is(err, boxliteerr.InvalidState) {
		t.Errorf("expected InvalidState, got %v", err)
	}
}

func TestRemoveDeletesStoppedBox(t *testing.T) {
	c := newTestController(t, store.StateStopped)

	if err := c.Remove(context.Background(), false); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, err := store.GetBox(context.Background(), c.deps.DB.Boxes, c.id); err == nil {
		t.Error("expected box row to be gone after Remove")
	}
}

func TestInfoReturnsSnapshot(t *testing.T) {
	c := newTestController(t, store.StateCreated)

	info := c.Info()
	if info.ID != c.id {
		t.Errorf("Info().ID = %v, want %v", info.ID, c.id)
	}
	if info.State.State != store.StateCreated {
		t.Errorf("Info().State.State = %v, want Created", info.State.State)
	}
}

func TestEnqueueSerializesOperations(t *testing.T) {
	c := newTestController(t, store.StateRunning)

	var order []int
	run := func(n int) func() error {
		return func() error {
			time.Sleep(time.Millisecond)
			order = append(order, n)
			return nil
		}
	}

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		n := i
		go func() { errCh <- c.enqueue(context.Background(), run(n)) }()
		time.Sleep(time.Millisecond) // keep submission order deterministic
	}
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if len(order) != 3 {
		t.Fatalf("expected 3 ops to run, got %d", len(order))
	}
	for i, n := range order {
		if n != i {
			t.Errorf("ops ran out of order: %v", order)
		}
	}
}

func TestVsockCIDForIsStableAndClearOfReservedRange(t *testing.T) {
	box := newTestBox(t, store.StateCreated)

	a := vsockCIDFor(box.ID)
	b := vsockCIDFor(box.ID)
	if a != b {
		t.Errorf("vsockCIDFor not stable: %d != %d", a, b)
	}
	if a < 3 {
		t.Errorf("vsockCIDFor returned a reserved CID: %d", a)
	}

	other, err := ids.NewBoxId(ids.SystemClock{})
	if err != nil {
		t.Fatalf("NewBoxId: %v", err)
	}
	if vsockCIDFor(other) == a {
		t.Error("two distinct box ids hashed to the same CID (unlucky, but check the hash)")
	}
}

func TestEnvToSlice(t *testing.T) {
	env := []store.EnvVar{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}
	got := envToSlice(env)
	want := []string{"A=1", "B=2"}
	if len(got) != len(want) {
		t.Fatalf("envToSlice = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("envToSlice[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
