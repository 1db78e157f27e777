package oauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

const SchemaVersion = 1

var ErrStateNotFound = errors.New("oauth state not found")

// State is what survives a restart: enough to run a refresh grant without the
// password. The client secret is never written.
type State struct {
	SchemaVersion int       `json:"schema_version"`
	ClientID      string    `json:"client_id"`
	RefreshToken  string    `json:"refresh_token"`
	Scope         string    `json:"scope"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s State) Validate() error {
	switch {
	case s.SchemaVersion != SchemaVersion:
		return fmt.Errorf("unsupported schema_version: %d", s.SchemaVersion)
	case s.ClientID == "":
		return fmt.Errorf("state missing client_id")
	case s.RefreshToken == "":
		return fmt.Errorf("state missing refresh_token")
	}
	return nil
}

// LoadState reads path and refuses files readable by anyone but the owner.
func LoadState(path string) (State, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrStateNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("stat state: %w", err)
	}
	if err := checkOwnerOnly(path, info); err != nil {
		return State{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return DecodeState(data)
}

func DecodeState(data []byte) (State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return State{}, err
	}
	return state, nil
}

// WriteState replaces path atomically with a 0600 file, creating the parent
// directory as 0700 when needed.
func WriteState(path string, state State) error {
	if state.SchemaVersion == 0 {
		state.SchemaVersion = SchemaVersion
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	if err := state.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func checkOwnerOnly(path string, info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm != 0o600 {
		return fmt.Errorf("state file %s has mode %04o, want 0600", path, perm)
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && int(stat.Uid) != os.Geteuid() {
		return fmt.Errorf("state file %s must be owned by uid %d", path, os.Geteuid())
	}
	return nil
}
