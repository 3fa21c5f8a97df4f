package rolestate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	stateFileName  = "state.json"
	statusFileName = "status.yaml"
	rolesDirName   = "roles"
	checkpointDir  = "checkpoints"

	// FormatVersion is written into every state file.
	FormatVersion = 1
)

// Halt records a quality-gate failure that stops all transitions.
type Halt struct {
	RoleID string    `json:"role_id" yaml:"role_id"`
	Reason string    `json:"reason" yaml:"reason"`
	Since  time.Time `json:"since" yaml:"since"`
}

// File is the persisted form of the whole core.
type File struct {
	Version int         `json:"version" yaml:"version"`
	SavedAt time.Time   `json:"saved_at" yaml:"saved_at"`
	Halt    *Halt       `json:"halt,omitempty" yaml:"halt,omitempty"`
	Roles   []RoleState `json:"roles" yaml:"roles"`
}

// Save writes f to dir/state.json. The write is atomic: data goes to a
// temporary file which is renamed into place while holding the directory lock.
func Save(dir string, f File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	f.Version = FormatVersion
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return WriteFileAtomic(filepath.Join(dir, stateFileName), data)
}

// Load reads dir/state.json under a shared lock. A missing file is reported
// with an error satisfying errors.Is(err, os.ErrNotExist).
func Load(dir string) (File, error) {
	fl := NewFileLock(dir)
	if err := fl.RLock(); err != nil {
		return File{}, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		return File{}, fmt.Errorf("read state file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("unmarshal state: %w", err)
	}
	if f.Version > FormatVersion {
		return File{}, fmt.Errorf("state file version %d is newer than supported %d", f.Version, FormatVersion)
	}
	for i := range f.Roles {
		f.Roles[i].Normalize()
	}
	return f, nil
}

// ExportYAML writes dir/roles/{role_id}/status.yaml for every state.
func ExportYAML(dir string, states []RoleState) error {
	for _, st := range states {
		data, err := yaml.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal status for %s: %w", st.RoleID, err)
		}
		roleDir := filepath.Join(dir, rolesDirName, st.RoleID)
		if err := os.MkdirAll(roleDir, 0o755); err != nil {
			return fmt.Errorf("create role dir: %w", err)
		}
		if err := WriteFileAtomic(filepath.Join(roleDir, statusFileName), data); err != nil {
			return err
		}
	}
	return nil
}

// LoadStatusYAML reads one role's status.yaml.
func LoadStatusYAML(dir, roleID string) (RoleState, error) {
	data, err := os.ReadFile(filepath.Join(dir, rolesDirName, roleID, statusFileName))
	if err != nil {
		return RoleState{}, fmt.Errorf("read status: %w", err)
	}
	var st RoleState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return RoleState{}, fmt.Errorf("unmarshal status: %w", err)
	}
	st.Normalize()
	return st, nil
}

// SaveCheckpoint writes a named snapshot to dir/checkpoints/{name}.yaml.
func SaveCheckpoint(dir, name string, f File) error {
	if err := validateCheckpointName(name); err != nil {
		return err
	}
	f.Version = FormatVersion
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	cpDir := filepath.Join(dir, checkpointDir)
	if err := os.MkdirAll(cpDir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return WriteFileAtomic(filepath.Join(cpDir, name+".yaml"), data)
}

// LoadCheckpoint reads a named snapshot.
func LoadCheckpoint(dir, name string) (File, error) {
	if err := validateCheckpointName(name); err != nil {
		return File{}, err
	}
	data, err := os.ReadFile(filepath.Join(dir, checkpointDir, name+".yaml"))
	if err != nil {
		return File{}, fmt.Errorf("read checkpoint: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	for i := range f.Roles {
		f.Roles[i].Normalize()
	}
	return f, nil
}

// ListCheckpoints returns checkpoint names sorted alphabetically.
func ListCheckpoints(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dir, checkpointDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
	}
	slices.Sort(names)
	return names, nil
}

func validateCheckpointName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid checkpoint name %q", name)
	}
	return nil
}

// WriteFileAtomic writes data to a temporary sibling of target and renames it
// into place. Callers that share a state directory hold its FileLock.
func WriteFileAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
