package iso

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf16"
)

// buildWIM writes a minimal synthetic WIM: magic, XML resource header,
// UTF-16LE XML blob.
func buildWIM(t *testing.T, arch, build, displayName, editionID string) []byte {
	t.Helper()

	xml := "<WIM><IMAGE INDEX=\"1\">"
	if arch != "" {
		xml += "<WINDOWS><ARCH>" + arch + "</ARCH><VERSION><BUILD>" + build + "</BUILD></VERSION>"
		if editionID != "" {
			xml += "<EDITIONID>" + editionID + "</EDITIONID>"
		}
		xml += "</WINDOWS>"
	}
	if displayName != "" {
		xml += "<DISPLAYNAME>" + displayName + "</DISPLAYNAME>"
	}
	xml += "</IMAGE></WIM>"

	u16 := utf16.Encode([]rune(xml))
	blob := make([]byte, 2+len(u16)*2)
	blob[0], blob[1] = 0xFF, 0xFE
	for i, v := range u16 {
		binary.LittleEndian.PutUint16(blob[2+i*2:], v)
	}

	header := make([]byte, wimHeaderMinSize)
	copy(header, wimMagic)
	xmlOffset := uint64(wimHeaderMinSize)
	binary.LittleEndian.PutUint64(header[wimXMLResourceOffset:], uint64(len(blob)))
	binary.LittleEndian.PutUint64(header[wimXMLResourceOffset+8:], xmlOffset)

	return append(header, blob...)
}

// fakeAttacher serves a prepared directory tree as the mount point.
type fakeAttacher struct {
	mountPoint string
	attachErr  error
	attached   int
	detached   int
}

func (a *fakeAttacher) Attach(ctx context.Context, path string) (string, error) {
	if a.attachErr != nil {
		return "", a.attachErr
	}
	a.attached++
	return a.mountPoint, nil
}

func (a *fakeAttacher) Detach(ctx context.Context, mountPoint string) error {
	a.detached++
	return nil
}

// writeMount lays out <dir>/sources/<imageName> with the given bytes and
// returns dir.
func writeMount(t *testing.T, imageName string, wim []byte) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sources"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sources", imageName), wim, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeISOFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "win.iso")
	if err := os.WriteFile(path, []byte("iso"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestValidateClassification(t *testing.T) {
	tests := []struct {
		name         string
		arch         string
		build        string
		displayName  string
		editionID    string
		wantUsable   bool
		wantSeverity []Severity
	}{
		{
			name: "recommended IoT Enterprise LTSC ARM64",
			arch: "12", build: "22631",
			displayName: "Windows 11 IoT Enterprise LTSC",
			editionID:   "IoTEnterpriseS",
			wantUsable:  true, wantSeverity: nil,
		},
		{
			name: "x64 image",
			arch: "9", build: "22631",
			displayName: "Windows 11 Pro",
			wantUsable:   false,
			wantSeverity: []Severity{SeverityCritical, SeverityInfo},
		},
		{
			name: "server edition",
			arch: "12", build: "20348",
			displayName: "Windows Server 2022 Standard",
			wantUsable:  true,
			wantSeverity: []Severity{SeverityCritical, SeverityWarning},
		},
		{
			name: "windows 10 arm",
			arch: "12", build: "19045",
			displayName: "Windows 10 Pro",
			wantUsable:  true,
			wantSeverity: []Severity{SeverityWarning, SeverityInfo},
		},
		{
			name: "windows 11 arm64 non-LTSC",
			arch: "12", build: "22631",
			displayName: "Windows 11 Enterprise",
			editionID:   "Enterprise",
			wantUsable:  true,
			wantSeverity: []Severity{SeverityInfo},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wim := buildWIM(t, tt.arch, tt.build, tt.displayName, tt.editionID)
			attacher := &fakeAttacher{mountPoint: writeMount(t, "install.wim", wim)}
			v := NewValidator(attacher, discard())

			res, err := v.Validate(context.Background(), writeISOFile(t))
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if res.IsUsable != tt.wantUsable {
				t.Errorf("IsUsable = %v, want %v", res.IsUsable, tt.wantUsable)
			}
			if len(res.Warnings) != len(tt.wantSeverity) {
				t.Fatalf("warnings = %+v, want %d findings", res.Warnings, len(tt.wantSeverity))
			}
			for i, sev := range tt.wantSeverity {
				if res.Warnings[i].Severity != sev {
					t.Errorf("warning %d severity = %s, want %s", i, res.Warnings[i].Severity, sev)
				}
			}
			if attacher.detached != 1 {
				t.Errorf("detached %d times, want 1", attacher.detached)
			}
		})
	}
}

func TestValidateAlwaysDetaches(t *testing.T) {
	// Mount succeeds but no install image exists; detach must still run.
	attacher := &fakeAttacher{mountPoint: t.TempDir()}
	v := NewValidator(attacher, discard())

	_, err := v.Validate(context.Background(), writeISOFile(t))
	if !errors.Is(err, ErrMetadataParseFailed) {
		t.Fatalf("err = %v, want ErrMetadataParseFailed", err)
	}
	if attacher.detached != 1 {
		t.Errorf("detached %d times, want 1", attacher.detached)
	}
}

func TestValidateMissingPath(t *testing.T) {
	v := NewValidator(&fakeAttacher{}, discard())
	_, err := v.Validate(context.Background(), "/nonexistent/win.iso")
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateDirectoryPath(t *testing.T) {
	v := NewValidator(&fakeAttacher{}, discard())
	_, err := v.Validate(context.Background(), t.TempDir())
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func TestValidateMountFailure(t *testing.T) {
	attacher := &fakeAttacher{attachErr: fmt.Errorf("%w: resource busy", ErrMountFailed)}
	v := NewValidator(attacher, discard())
	_, err := v.Validate(context.Background(), writeISOFile(t))
	if !errors.Is(err, ErrMountFailed) {
		t.Errorf("err = %v, want ErrMountFailed", err)
	}
	if attacher.detached != 0 {
		t.Error("detach must not run when attach failed")
	}
}

func TestValidateESDFallbackName(t *testing.T) {
	wim := buildWIM(t, "12", "22631", "Windows 11 IoT Enterprise LTSC", "IoTEnterpriseS")
	attacher := &fakeAttacher{mountPoint: writeMount(t, "install.esd", wim)}
	v := NewValidator(attacher, discard())

	res, err := v.Validate(context.Background(), writeISOFile(t))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Info.Architecture != ArchARM64 || res.Info.Build != 22631 {
		t.Errorf("info = %+v", res.Info)
	}
}

func TestParseWIMRejectsBadMagic(t *testing.T) {
	wim := buildWIM(t, "12", "22631", "x", "")
	wim[0] = 'X'
	dir := writeMount(t, "install.wim", wim)
	v := NewValidator(&fakeAttacher{mountPoint: dir}, discard())
	_, err := v.Validate(context.Background(), writeISOFile(t))
	if !errors.Is(err, ErrMetadataParseFailed) {
		t.Errorf("err = %v, want ErrMetadataParseFailed", err)
	}
}

type fixedInspector struct{ info ImageInfo }

func (f *fixedInspector) Inspect(ctx context.Context, imagePath string) (*ImageInfo, error) {
	return &f.info, nil
}

func TestExternalInspectorPreferred(t *testing.T) {
	// Image bytes are garbage; only the external tool can classify them.
	attacher := &fakeAttacher{mountPoint: writeMount(t, "install.wim", []byte("garbage"))}
	v := NewValidator(attacher, discard())
	v.SetWIMInspector(&fixedInspector{info: ImageInfo{
		DisplayName:  "Windows 11 IoT Enterprise LTSC",
		Edition:      "IoTEnterpriseS LTSC",
		Architecture: ArchARM64,
		Build:        22631,
	}})

	res, err := v.Validate(context.Background(), writeISOFile(t))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.IsUsable || len(res.Warnings) != 0 {
		t.Errorf("result = %+v", res)
	}
}
