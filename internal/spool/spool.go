// Package spool manages the on-disk results directories for non-blocking
// transactions. Each transaction owns one directory under the spool root
// holding the files stdout, stderr, exitcode (written by the child) and
// pid (written by the agent on spawn).
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fabricmesh/warden/internal/fileutil"
	"github.com/fabricmesh/warden/internal/logging"
)

// File names inside a transaction directory.
const (
	StdoutFile   = "stdout"
	StderrFile   = "stderr"
	ExitCodeFile = "exitcode"
	PIDFile      = "pid"
)

const component = "Spool"

var (
	// ErrBadTransactionID indicates a transaction id unusable as a
	// directory name.
	ErrBadTransactionID = errors.New("spool: invalid transaction id")
	// ErrReadOutput indicates the child's stdout file could not be read.
	ErrReadOutput = errors.New("spool: failed to read output file")
)

// Store places transaction directories under a fixed root.
type Store struct {
	root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the spool root directory.
func (s *Store) Root() string { return s.root }

// TransactionDir returns the directory path owned by the transaction. The
// id must be a plain name: path separators and traversal are rejected.
func (s *Store) TransactionDir(transactionID string) (string, error) {
	id := strings.TrimSpace(transactionID)
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return "", fmt.Errorf("%w: %q", ErrBadTransactionID, transactionID)
	}
	return filepath.Join(s.root, id), nil
}

// CreateTransactionDir ensures the transaction's directory exists and
// returns its path.
func (s *Store) CreateTransactionDir(transactionID string) (string, error) {
	dir, err := s.TransactionDir(transactionID)
	if err != nil {
		return "", err
	}
	if err := fileutil.EnsureDir(dir, 0o750); err != nil {
		return "", fmt.Errorf("spool: create %s: %w", dir, err)
	}
	return dir, nil
}

// OutputFilePaths returns the absolute stdout, stderr, and exitcode paths
// a child is told to write inside dir.
func OutputFilePaths(dir string) (stdout, stderr, exitcode string) {
	return filepath.Join(dir, StdoutFile),
		filepath.Join(dir, StderrFile),
		filepath.Join(dir, ExitCodeFile)
}

// WritePID atomically records the child's pid inside dir so external
// status tooling never observes a partially written file.
func WritePID(dir string, pid int) error {
	return fileutil.AtomicWrite(filepath.Join(dir, PIDFile), strconv.Itoa(pid)+"\n", 0o640)
}

// ReadOutcomeFiles reads back the stdout and stderr files a child left in
// dir. A missing or unreadable stderr file is tolerated; a missing stdout
// file counts as empty output, but a stdout file that exists and cannot be
// read fails with ErrReadOutput.
func ReadOutcomeFiles(dir, label string) (outTxt, errTxt string, err error) {
	stdoutPath, stderrPath, _ := OutputFilePaths(dir)

	if fileutil.Exists(stderrPath) {
		errTxt, err = fileutil.Read(stderrPath)
		if err != nil {
			logging.Errorf(component, "Failed to read error file %s of the %s; will continue processing the output: %v",
				stderrPath, label, err)
			errTxt = ""
		}
	}

	if !fileutil.Exists(stdoutPath) {
		logging.Debugf(component, "Output file %s of the %s does not exist", stdoutPath, label)
		return "", errTxt, nil
	}

	outTxt, err = fileutil.Read(stdoutPath)
	if err != nil {
		logging.Errorf(component, "Failed to read output file %s of the %s: %v", stdoutPath, label, err)
		return "", errTxt, fmt.Errorf("%w: %s", ErrReadOutput, stdoutPath)
	}
	if outTxt == "" {
		logging.Debugf(component, "Output file %s of the %s is empty", stdoutPath, label)
	}
	return outTxt, errTxt, nil
}

// Status reports what is known about a transaction from its directory:
// the recorded pid, the exit code if the child finished, and any captured
// streams. Completed is set when the exitcode file is present.
type Status struct {
	PID       string
	ExitCode  string
	Stdout    string
	Stderr    string
	Completed bool
}

// QueryStatus inspects the transaction directory without mutating it. The
// boolean reports whether the directory exists at all.
func (s *Store) QueryStatus(transactionID string) (Status, bool, error) {
	dir, err := s.TransactionDir(transactionID)
	if err != nil {
		return Status{}, false, err
	}
	info, statErr := os.Stat(dir)
	if statErr != nil || !info.IsDir() {
		return Status{}, false, nil
	}

	var st Status
	if raw, err := fileutil.Read(filepath.Join(dir, PIDFile)); err == nil {
		st.PID = strings.TrimSpace(raw)
	}
	if raw, err := fileutil.Read(filepath.Join(dir, ExitCodeFile)); err == nil {
		st.ExitCode = strings.TrimSpace(raw)
		st.Completed = true
	}
	if raw, err := fileutil.Read(filepath.Join(dir, StdoutFile)); err == nil {
		st.Stdout = raw
	}
	if raw, err := fileutil.Read(filepath.Join(dir, StderrFile)); err == nil {
		st.Stderr = raw
	}
	return st, true, nil
}
