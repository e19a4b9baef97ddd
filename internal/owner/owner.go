// Package owner records which process currently holds a control port.
package owner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/rbright/portguard/internal/session"
)

// ErrNotFound reports that no owner record exists for a port.
var ErrNotFound = errors.New("owner record not found")

// Record describes the running holder of a control port.
type Record struct {
	PID       int              `json:"pid"`
	SessionID session.Identity `json:"session_id"`
	Host      string           `json:"host"`
	Port      int              `json:"port"`
	StartedAt time.Time        `json:"started_at"`
}

// Current builds a record for this process.
func Current(id session.Identity, host string, port int) Record {
	return Record{
		PID:       os.Getpid(),
		SessionID: id,
		Host:      host,
		Port:      port,
		StartedAt: time.Now().UTC(),
	}
}

// Path resolves the record location for port. XDG_RUNTIME_DIR is preferred;
// the state dir is used when no runtime dir is available.
func Path(port int) (string, error) {
	name := "owner-" + strconv.Itoa(port) + ".json"
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, "portguard", name), nil
	}
	if dir := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); dir != "" {
		return filepath.Join(dir, "portguard", name), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve owner record dir: %w", err)
	}
	return filepath.Join(home, ".local", "state", "portguard", name), nil
}

// Write atomically replaces the record at path.
func Write(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create owner record dir: %w", err)
	}

	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode owner record: %w", err)
	}
	payload = append(payload, '\n')

	if err := atomic.WriteFile(path, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("write owner record %q: %w", path, err)
	}
	return nil
}

// Read loads the record at path, returning ErrNotFound when it is absent.
func Read(path string) (Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read owner record %q: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode owner record %q: %w", path, err)
	}
	if !rec.SessionID.Valid() {
		return Record{}, fmt.Errorf("decode owner record %q: invalid session id %q", path, rec.SessionID)
	}
	return rec, nil
}

// Remove deletes the record at path only while it still names id, so an
// instance that was replaced never erases its successor's record.
func Remove(path string, id session.Identity) error {
	rec, err := Read(path)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.SessionID != id {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove owner record %q: %w", path, err)
	}
	return nil
}

// String renders the record for status output.
func (r Record) String() string {
	return fmt.Sprintf("pid=%d session=%s addr=%s started=%s",
		r.PID,
		r.SessionID,
		fmt.Sprintf("%s:%d", r.Host, r.Port),
		r.StartedAt.Format(time.RFC3339),
	)
}
