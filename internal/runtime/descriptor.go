package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/agent-brain/agent-brain/internal/errors"
)

// SchemaVersion identifies the descriptor layout for forward compatibility.
const SchemaVersion = 1

// Descriptor is the runtime descriptor written on successful startup so
// local clients can discover the running instance.
type Descriptor struct {
	SchemaVersion int       `json:"schema_version"`
	Mode          string    `json:"mode"`
	BindHost      string    `json:"bind_host"`
	Port          int       `json:"port"`
	PID           int       `json:"pid"`
	InstanceID    string    `json:"instance_id"`
	StartedAt     time.Time `json:"started_at"`
	ProjectRoot   string    `json:"project_root,omitempty"`
	ProjectID     string    `json:"project_id,omitempty"`
}

// NewDescriptor builds a descriptor for the current process.
func NewDescriptor(mode, host string, port int, projectRoot string) *Descriptor {
	return &Descriptor{
		SchemaVersion: SchemaVersion,
		Mode:          mode,
		BindHost:      host,
		Port:          port,
		PID:           os.Getpid(),
		InstanceID:    uuid.NewString(),
		StartedAt:     time.Now().UTC(),
		ProjectRoot:   projectRoot,
	}
}

// Write persists the descriptor atomically into the state directory.
func (d *Descriptor) Write(stateDir string) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}

	path := filepath.Join(stateDir, DescriptorFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.ErrCodeStateDir, err)
	}
	return nil
}

// ReadDescriptor loads the descriptor from the state directory. Returns nil
// without error when none exists.
func ReadDescriptor(stateDir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, DescriptorFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeStateDir, err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, errors.New(errors.ErrCodeStateDir, "corrupt runtime descriptor", err)
	}
	return &d, nil
}

// Alive reports whether the descriptor's process still exists.
func (d *Descriptor) Alive() bool {
	return processExists(d.PID)
}

// processExists probes a PID with signal 0.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
