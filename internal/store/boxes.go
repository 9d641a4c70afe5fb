package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/suryatmodulus/boxlite/pkg/boxliteerr"
	"github.com/suryatmodulus/boxlite/pkg/ids"
)

// State is a box's position in the C7 state machine.
type State string

const (
	StateCreated   State = "Created"
	StateRunning   State = "Running"
	StateStopping  State = "Stopping"
	StateStopped   State = "Stopped"
	StateUnhealthy State = "Unhealthy"
	StateRemoved   State = "Removed"
)

// StopReason records why a box last stopped, carried inside StateRecord.
type StopReason string

const (
	StopReasonNone          StopReason = ""
	StopReasonClean         StopReason = "Clean"
	StopReasonKilled        StopReason = "Killed"
	StopReasonCrashRecovered StopReason = "CrashRecovered"
)

// PortMapping is one host<->guest port forward.
type PortMapping struct {
	HostPort  int    `json:"host_port"`
	GuestPort int    `json:"guest_port"`
	Proto     string `json:"proto"`
}

// Volume is one host<->guest bind mount.
type Volume struct {
	HostPath  string `json:"host_path"`
	GuestPath string `json:"guest_path"`
	ReadOnly  bool   `json:"ro"`
}

// EnvVar preserves insertion order, unlike a map.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Config is the immutable half of a box record (spec §4.1's Podman-style
// split): written once at create, never mutated afterward.
type Config struct {
	ImageRef    string        `json:"image_ref"`
	ImageDigest string        `json:"image_digest"`
	CPUs        int           `json:"cpus"`
	MemoryMiB   int           `json:"memory_mib"`
	DiskSizeGB  int           `json:"disk_size_gb,omitempty"`
	WorkingDir  string        `json:"working_dir"`
	Env         []EnvVar      `json:"env"`
	Volumes     []Volume      `json:"volumes"`
	Ports       []PortMapping `json:"ports"`
	User        string        `json:"user,omitempty"`
	Cmd         []string      `json:"cmd,omitempty"`
	AutoRemove  bool          `json:"auto_remove"`
}

// StateRecord is the mutable half: current state plus its reason.
type StateRecord struct {
	State      State      `json:"state"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	EnginePID  int        `json:"engine_pid,omitempty"`
}

// Box is a full metadata row as read from boxes.db.
type Box struct {
	ID        ids.BoxId
	Name      string
	Config    Config
	State     StateRecord
	CreatedAt time.Time
}

// CreateBox inserts a new box row and its name reservation (if named)
// atomically, enforcing I1 (unique name across non-removed boxes).
func CreateBox(ctx context.Context, db *sql.DB, box *Box) error {
	configJSON, err := json.Marshal(box.Config)
	if err != nil {
		return fmt.Errorf("marshal box config: %w", err)
	}
	stateJSON, err := json.Marshal(box.State)
	if err != nil {
		return fmt.Errorf("marshal box state: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create box tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if box.Name != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO name_reservations (name, box_id, acquired_at) VALUES (?, ?, ?)`,
			box.Name, box.ID.String(), box.CreatedAt.Unix(),
		); err != nil {
			if isUniqueViolation(err) {
				return boxliteerr.AlreadyExistsf("BoxName", "box name %q already in use", box.Name)
			}
			return fmt.Errorf("reserve box name: %w", err)
		}
	}

	var name any
	if box.Name != "" {
		name = box.Name
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO boxes (id, name, config_json, state_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		box.ID.String(), name, string(configJSON), string(stateJSON), box.CreatedAt.Unix(),
	); err != nil {
		if isUniqueViolation(err) {
			return boxliteerr.AlreadyExistsf("BoxName", "box name %q already in use", box.Name)
		}
		return fmt.Errorf("insert box: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create box tx: %w", err)
	}

	return nil
}

// GetBox reads a single box row, or NotFound if id is unknown.
func GetBox(ctx context.Context, db *sql.DB, id ids.BoxId) (*Box, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, config_json, state_json, created_at FROM boxes WHERE id = ?`, id.String())
	return scanBox(row)
}

// GetBoxByName resolves a live box by its reserved name.
func GetBoxByName(ctx context.Context, db *sql.DB, name string) (*Box, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, name, config_json, state_json, created_at FROM boxes WHERE name = ?`, name)
	return scanBox(row)
}

// ListBoxes returns every box row, ordered by creation time.
func ListBoxes(ctx context.Context, db *sql.DB) ([]*Box, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, name, config_json, state_json, created_at FROM boxes ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list boxes: %w", err)
	}
	defer rows.Close()

	var boxes []*Box
	for rows.Next() {
		box, err := scanBoxRow(rows)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, box)
	}
	return boxes, rows.Err()
}

// UpdateState writes a new StateRecord and appends a transitions row for
// audit and crash-recovery purposes. Only the mutable half changes.
func UpdateState(ctx context.Context, db *sql.DB, id ids.BoxId, newState StateRecord, now time.Time) error {
	stateJSON, err := json.Marshal(newState)
	if err != nil {
		return fmt.Errorf("marshal box state: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevStateJSON string
	if err := tx.QueryRowContext(ctx, `SELECT state_json FROM boxes WHERE id = ?`, id.String()).Scan(&prevStateJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return boxliteerr.NotFoundf("box %s not found", id)
		}
		return fmt.Errorf("read previous state: %w", err)
	}

	var prevState StateRecord
	_ = json.Unmarshal([]byte(prevStateJSON), &prevState)

	if _, err := tx.ExecContext(ctx, `UPDATE boxes SET state_json = ? WHERE id = ?`, string(stateJSON), id.String()); err != nil {
		return fmt.Errorf("update box state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transitions (box_id, from_state, to_state, reason, at) VALUES (?, ?, ?, ?, ?)`,
		id.String(), prevState.State, newState.State, newState.StopReason, now.Unix(),
	); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}

	return tx.Commit()
}

// RemoveBox deletes the box row and releases its name reservation.
func RemoveBox(ctx context.Context, db *sql.DB, id ids.BoxId) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin remove box tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM name_reservations WHERE box_id = ?`, id.String()); err != nil {
		return fmt.Errorf("release name reservation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM boxes WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete box: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return boxliteerr.NotFoundf("box %s not found", id)
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBox(row *sql.Row) (*Box, error) {
	return scanBoxRow(row)
}

func scanBoxRow(row rowScanner) (*Box, error) {
	var (
		id, configJSON, stateJSON string
		name                      sql.NullString
		createdAt                 int64
	)

	if err := row.Scan(&id, &name, &configJSON, &stateJSON, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, boxliteerr.NotFoundf("box not found")
		}
		return nil, fmt.Errorf("scan box row: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(configJSON), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal box config: %w", err)
	}
	var state StateRecord
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("unmarshal box state: %w", err)
	}

	return &Box{
		ID:        ids.BoxId(id),
		Name:      name.String,
		Config:    cfg,
		State:     state,
		CreatedAt: time.Unix(createdAt, 0),
	}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsFold(err.Error(), "UNIQUE constraint failed"))
}

func containsFold(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
