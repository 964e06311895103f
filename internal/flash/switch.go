package flash

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Switch drives the physical flash.
type Switch interface {
	Set(ctx context.Context, on bool) error
}

// FileSwitch writes "1" or "0" to a value file, typically a sysfs GPIO
// such as /sys/class/gpio/gpio17/value.
type FileSwitch struct {
	Path string
}

func (s FileSwitch) Set(_ context.Context, on bool) error {
	v := []byte("0")
	if on {
		v = []byte("1")
	}
	if err := os.WriteFile(s.Path, v, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", s.Path, err)
	}
	return nil
}

// CommandSwitch runs an external command for each transition.
type CommandSwitch struct {
	On  []string
	Off []string
}

func (s CommandSwitch) Set(ctx context.Context, on bool) error {
	args := s.Off
	if on {
		args = s.On
	}
	if len(args) == 0 {
		return errors.New("no command configured")
	}
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", args[0], err, out)
	}
	return nil
}

// MemorySwitch keeps the state in memory. It backs dry runs and tests.
type MemorySwitch struct {
	mu      sync.Mutex
	on      bool
	history []bool
}

func (s *MemorySwitch) Set(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = on
	s.history = append(s.history, on)
	return nil
}

// On reports the last state set.
func (s *MemorySwitch) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

// History returns every state set so far, oldest first.
func (s *MemorySwitch) History() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.history...)
}
