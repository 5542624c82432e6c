// Package iso validates Windows installation images before provisioning.
package iso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrInvalid indicates a missing path or a non-file.
	ErrInvalid = errors.New("invalid ISO")

	// ErrMountFailed indicates the image-attach tool failed.
	ErrMountFailed = errors.New("ISO mount failed")

	// ErrMetadataParseFailed indicates the install image inside the ISO
	// could not be located or parsed.
	ErrMetadataParseFailed = errors.New("ISO metadata parse failed")
)

// Result is the full validation outcome handed to the provisioning
// coordinator.
type Result struct {
	Path     string
	Info     ImageInfo
	IsUsable bool
	Warnings []Warning
}

// CriticalWarnings returns only the critical findings.
func (r *Result) CriticalWarnings() []Warning {
	var out []Warning
	for _, w := range r.Warnings {
		if w.Severity == SeverityCritical {
			out = append(out, w)
		}
	}
	return out
}

// Attacher mounts and unmounts disk images through an external
// image-attach utility. Its contract is exit code plus stderr bytes.
type Attacher interface {
	Attach(ctx context.Context, path string) (mountPoint string, err error)
	Detach(ctx context.Context, mountPoint string) error
}

// ExecAttacher shells out to an hdiutil-style attach tool.
type ExecAttacher struct {
	// AttachCommand mounts read-only and prints the mount point on the
	// last stdout line, e.g. ["hdiutil", "attach", "-readonly", "-nobrowse"].
	AttachCommand []string
	// DetachCommand unmounts, e.g. ["hdiutil", "detach"].
	DetachCommand []string
}

func (a *ExecAttacher) Attach(ctx context.Context, path string) (string, error) {
	args := append(append([]string{}, a.AttachCommand[1:]...), path)
	cmd := exec.CommandContext(ctx, a.AttachCommand[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrMountFailed, err, strings.TrimSpace(stderr.String()))
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	mountPoint := strings.TrimSpace(lines[len(lines)-1])
	if mountPoint == "" {
		return "", fmt.Errorf("%w: attach tool reported no mount point", ErrMountFailed)
	}
	return mountPoint, nil
}

func (a *ExecAttacher) Detach(ctx context.Context, mountPoint string) error {
	args := append(append([]string{}, a.DetachCommand[1:]...), mountPoint)
	cmd := exec.CommandContext(ctx, a.DetachCommand[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("detaching %s: %v: %s", mountPoint, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// WIMInspector extracts image metadata through an external WIM-info
// tool. When none is configured the WIM header is parsed directly.
type WIMInspector interface {
	Inspect(ctx context.Context, imagePath string) (*ImageInfo, error)
}

// Validator validates and classifies Windows ISOs.
type Validator struct {
	attacher  Attacher
	inspector WIMInspector
	logger    *slog.Logger
}

// SetWIMInspector installs an external WIM-info tool, preferred over
// direct header parsing when present.
func (v *Validator) SetWIMInspector(inspector WIMInspector) {
	v.inspector = inspector
}

// NewValidator creates a validator using the given attacher.
func NewValidator(attacher Attacher, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{attacher: attacher, logger: logger}
}

// Validate mounts the ISO read-only, parses the install image metadata,
// classifies it, and always unmounts before returning.
func (v *Validator) Validate(ctx context.Context, path string) (*Result, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalid, path)
	}

	mountPoint, err := v.attacher.Attach(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if derr := v.attacher.Detach(context.WithoutCancel(ctx), mountPoint); derr != nil {
			v.logger.Warn("detach failed", "mountPoint", mountPoint, "error", derr)
		}
	}()

	info, err := v.readInstallImage(ctx, mountPoint)
	if err != nil {
		return nil, err
	}

	usable, warnings := classify(info)
	v.logger.Info("ISO validated",
		"path", path,
		"displayName", info.DisplayName,
		"architecture", info.Architecture,
		"build", info.Build,
		"usable", usable,
		"warnings", len(warnings),
	)

	return &Result{Path: path, Info: *info, IsUsable: usable, Warnings: warnings}, nil
}

// readInstallImage locates sources/install.wim or sources/install.esd
// under the mount point and parses its metadata.
func (v *Validator) readInstallImage(ctx context.Context, mountPoint string) (*ImageInfo, error) {
	var imagePath string
	for _, name := range []string{"install.wim", "install.esd"} {
		candidate := filepath.Join(mountPoint, "sources", name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			imagePath = candidate
			break
		}
	}
	if imagePath == "" {
		return nil, fmt.Errorf("%w: no sources/install.wim or install.esd", ErrMetadataParseFailed)
	}

	if v.inspector != nil {
		info, err := v.inspector.Inspect(ctx, imagePath)
		if err == nil {
			return info, nil
		}
		v.logger.Warn("WIM inspector failed, falling back to header parse", "error", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataParseFailed, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataParseFailed, err)
	}

	info, err := parseWIM(f, fi.Size())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMetadataParseFailed, err)
	}
	return info, nil
}
