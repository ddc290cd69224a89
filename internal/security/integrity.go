package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// TamperingIndicators holds the environment checks that suggest the process
// is being inspected or was modified.
type TamperingIndicators struct {
	DebuggerDetected       bool   `json:"debugger_detected"`
	VirtualMachineDetected bool   `json:"virtual_machine_detected"`
	SuspiciousProcessName  bool   `json:"suspicious_process_name"`
	BinaryHashMismatch     bool   `json:"binary_hash_mismatch"`
	TracerPID              int    `json:"tracer_pid,omitempty"`
	BinaryPath             string `json:"binary_path,omitempty"`
}

// HasIndicators reports whether any check fired. A VM alone is informational.
func (ti *TamperingIndicators) HasIndicators() bool {
	return ti.DebuggerDetected || ti.SuspiciousProcessName || ti.BinaryHashMismatch
}

// Report lists the fired checks by name.
func (ti *TamperingIndicators) Report() []string {
	var out []string
	if ti.DebuggerDetected {
		out = append(out, "debugger")
	}
	if ti.VirtualMachineDetected {
		out = append(out, "virtual_machine")
	}
	if ti.SuspiciousProcessName {
		out = append(out, "suspicious_process_name")
	}
	if ti.BinaryHashMismatch {
		out = append(out, "binary_hash_mismatch")
	}
	return out
}

// IntegrityChecker runs the tampering checks.
type IntegrityChecker struct {
	expectedHash string
	root         string
	getenv       func(string) string
	executable   func() (string, error)
	environ      func() []string
}

// NewIntegrityChecker creates a checker. An empty expectedHash skips the
// binary hash comparison.
func NewIntegrityChecker(expectedHash string) *IntegrityChecker {
	return &IntegrityChecker{
		expectedHash: strings.ToLower(expectedHash),
		getenv:       os.Getenv,
		executable:   os.Executable,
		environ:      os.Environ,
	}
}

var debugVars = []string{"DELVE_PORT", "DLV_LISTEN", "DEBUG_MODE", "GO_DEBUG"}

var vmIndicators = []string{"VBOX_", "VMWARE_", "VIRTUAL_"}

var suspiciousPatterns = []string{"debug", "crack", "hack", "bypass", "patch", "dump"}

// Detect runs every check.
func (ic *IntegrityChecker) Detect() *TamperingIndicators {
	indicators := &TamperingIndicators{}

	for _, v := range debugVars {
		if ic.getenv(v) != "" {
			indicators.DebuggerDetected = true
			break
		}
	}
	if pid := ic.tracerPID(); pid > 0 {
		indicators.DebuggerDetected = true
		indicators.TracerPID = pid
	}

	for _, kv := range ic.environ() {
		upper := strings.ToUpper(kv)
		for _, ind := range vmIndicators {
			if strings.HasPrefix(upper, ind) {
				indicators.VirtualMachineDetected = true
			}
		}
	}

	path, err := ic.executable()
	if err == nil {
		indicators.BinaryPath = path
		base := strings.ToLower(filepath.Base(path))
		for _, pattern := range suspiciousPatterns {
			if strings.Contains(base, pattern) {
				indicators.SuspiciousProcessName = true
				break
			}
		}
		if ic.expectedHash != "" {
			actual, _, hashErr := FileHash(path)
			indicators.BinaryHashMismatch = hashErr != nil || actual != ic.expectedHash
		}
	}

	return indicators
}

// tracerPID reads TracerPid from /proc/self/status; 0 when not traced or
// not on linux.
func (ic *IntegrityChecker) tracerPID() int {
	root := ic.root
	if root == "" {
		root = "/"
	}
	data, err := os.ReadFile(filepath.Join(root, "proc", "self", "status"))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "TracerPid:"); ok {
			var pid int
			if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &pid); err == nil {
				return pid
			}
		}
	}
	return 0
}

// FileHash computes the hex SHA-256 and size of a file.
func FileHash(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// ValidateIntegrityConfig validates an expected binary hash
func ValidateIntegrityConfig(expectedHash string) error {
	if expectedHash == "" {
		return errors.New("expected hash cannot be empty")
	}
	if len(expectedHash) != 64 {
		return errors.New("expected hash must be 64 characters (SHA-256)")
	}
	if _, err := hex.DecodeString(expectedHash); err != nil {
		return fmt.Errorf("expected hash must be valid hex: %w", err)
	}
	return nil
}
