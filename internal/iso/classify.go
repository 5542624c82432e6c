package iso

import "strings"

// Severity grades a classification warning.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Warning is one classification finding.
type Warning struct {
	Severity Severity
	Message  string
}

// Windows 11 builds start at 22000.
const windows11MinBuild = 22000

// classify derives usability and warnings from image metadata. The only
// usable images are ARM64; everything else at best emulates.
func classify(info *ImageInfo) (usable bool, warnings []Warning) {
	edition := strings.ToLower(info.Edition + " " + info.DisplayName)
	isServer := strings.Contains(edition, "server")
	isConsumer := strings.Contains(edition, "home") || containsProEdition(edition)
	isLTSC := strings.Contains(edition, "ltsc")
	isIoT := strings.Contains(edition, "iot")
	isWin11 := info.Build >= windows11MinBuild

	if info.Architecture != ArchARM64 {
		warnings = append(warnings, Warning{
			Severity: SeverityCritical,
			Message:  "image is not ARM64 and cannot run on Apple Silicon",
		})
	}
	if isServer {
		warnings = append(warnings, Warning{
			Severity: SeverityCritical,
			Message:  "Windows Server has no x86/x64 compatibility layer",
		})
	}
	if info.Architecture == ArchARM64 && !isWin11 {
		warnings = append(warnings, Warning{
			Severity: SeverityWarning,
			Message:  "Windows 10 on ARM only emulates x86 applications",
		})
	}
	if isConsumer {
		warnings = append(warnings, Warning{
			Severity: SeverityInfo,
			Message:  "consumer Home/Pro editions ship with preinstalled bloat",
		})
	}
	if isWin11 && info.Architecture == ArchARM64 && !isLTSC && !isServer {
		warnings = append(warnings, Warning{
			Severity: SeverityInfo,
			Message:  "prefer an LTSC edition for a leaner long-term install",
		})
	}

	// Windows 11 IoT Enterprise LTSC ARM64 is the recommended image and
	// classifies clean.
	if isWin11 && info.Architecture == ArchARM64 && isLTSC && isIoT {
		warnings = nil
	}

	return info.Architecture == ArchARM64, warnings
}

// containsProEdition matches Pro editions (text containing "pro " or
// "professional", or ending in "pro") without tripping on words like
// "program".
func containsProEdition(edition string) bool {
	return strings.Contains(edition, "pro ") ||
		strings.HasSuffix(edition, "pro") ||
		strings.Contains(edition, "professional")
}
