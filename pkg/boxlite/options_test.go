package boxlite

import (
	"testing"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
)

func validOptions(t *testing.T) BoxOptions {
	t.Helper()
	return BoxOptions{
		ImageRef:   "alpine:latest",
		CPUs:       1,
		MemoryMiB:  512,
		WorkingDir: "/",
	}
}

func TestBoxOptionsValidateAccepts(t *testing.T) {
	if err := validOptions(t).Validate(); err != nil {
		t.Fatalf("expected valid options to pass, got %v", err)
	}
}

func TestBoxOptionsValidateRejectsEmptyImage(t *testing.T) {
	o := validOptions(t)
	o.ImageRef = "  "
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsCPUsOutOfRange(t *testing.T) {
	o := validOptions(t)
	o.CPUs = 0
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsMemoryOutOfRange(t *testing.T) {
	o := validOptions(t)
	o.MemoryMiB = 64
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsDiskSizeOutOfRange(t *testing.T) {
	o := validOptions(t)
	bad := 2000
	o.DiskSizeGB = &bad
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateAcceptsUnsetDiskSize(t *testing.T) {
	o := validOptions(t)
	o.DiskSizeGB = nil
	if err := o.Validate(); err != nil {
		t.Fatalf("unset disk_size_gb should be valid, got %v", err)
	}
}

func TestBoxOptionsValidateRejectsRelativeWorkingDir(t *testing.T) {
	o := validOptions(t)
	o.WorkingDir = "relative/path"
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsEmptyEnvKey(t *testing.T) {
	o := validOptions(t)
	o.Env = []EnvVar{{Key: "", Value: "x"}}
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsNULInEnv(t *testing.T) {
	o := validOptions(t)
	o.Env = []EnvVar{{Key: "A", Value: "bad\x00value"}}
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsRelativeVolumeHostPath(t *testing.T) {
	o := validOptions(t)
	o.Volumes = []Volume{{HostPath: "relative", GuestPath: "/data"}}
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsMissingVolumeHostPath(t *testing.T) {
	o := validOptions(t)
	o.Volumes = []Volume{{HostPath: "/does/not/exist/hopefully", GuestPath: "/data"}}
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateAcceptsExistingVolumeHostPath(t *testing.T) {
	o := validOptions(t)
	o.Volumes = []Volume{{HostPath: t.TempDir(), GuestPath: "/data"}}
	if err := o.Validate(); err != nil {
		t.Fatalf("existing host_path should be valid, got %v", err)
	}
}

func TestBoxOptionsValidateRejectsBadPortProto(t *testing.T) {
	o := validOptions(t)
	o.Ports = []PortMapping{{HostPort: 8080, GuestPort: 80, Proto: "sctp"}}
	assertConfigError(t, o.Validate())
}

func TestBoxOptionsValidateRejectsPortOutOfRange(t *testing.T) {
	o := validOptions(t)
	o.Ports = []PortMapping{{HostPort: 0, GuestPort: 80, Proto: "tcp"}}
	assertConfigError(t, o.Validate())
}

func TestCreateOptionsValidateRejectsBadName(t *testing.T) {
	o := CreateOptions{Name: "-leading-dash", BoxOptions: validOptions(t)}
	assertConfigError(t, o.Validate())
}

func TestCreateOptionsValidateAcceptsGoodName(t *testing.T) {
	o := CreateOptions{Name: "web-1", BoxOptions: validOptions(t)}
	if err := o.Validate(); err != nil {
		t.Fatalf("expected valid name to pass, got %v", err)
	}
}

func TestCreateOptionsValidateAcceptsEmptyName(t *testing.T) {
	o := CreateOptions{BoxOptions: validOptions(t)}
	if err := o.Validate(); err != nil {
		t.Fatalf("empty name is allowed (anonymous box), got %v", err)
	}
}

func assertConfigError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected a validation error")
	}
	if !boxliteerr.Is(err, boxliteerr.Config) {
		t.Errorf("expected Config error, got %v", err)
	}
}
