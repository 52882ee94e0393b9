// Package testutil provides scratch-directory helpers shared by storage and
// HSM tests.
package testutil

import (
	"os"
	"path/filepath"
)

// Sandbox is a temporary directory that cleans itself up.
type Sandbox struct {
	root string
}

// NewSandbox creates a fresh temporary directory.
func NewSandbox() (*Sandbox, error) {
	root, err := os.MkdirTemp("", "anya-core-test-*")
	if err != nil {
		return nil, err
	}
	return &Sandbox{root: root}, nil
}

// Path joins elem onto the sandbox root.
func (s *Sandbox) Path(elem ...string) string {
	return filepath.Join(append([]string{s.root}, elem...)...)
}

// Cleanup removes the sandbox directory tree.
func (s *Sandbox) Cleanup() {
	_ = os.RemoveAll(s.root)
}
