package security

import (
	"fmt"
	"strings"
)

// Level is the ordered severity scale: Safe < Low < Medium < High < Dangerous.
type Level int

const (
	LevelSafe Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelDangerous
)

var levelNames = [...]string{"Safe", "Low", "Medium", "High", "Dangerous"}

func (l Level) String() string {
	if l < LevelSafe || l > LevelDangerous {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, ok := ParseLevel(string(b))
	if !ok {
		return fmt.Errorf("unknown security level %q", string(b))
	}
	*l = v
	return nil
}

// ParseLevel maps a self-reported risk tag ("low", "High", "critical"...)
// onto the scale.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe", "none":
		return LevelSafe, true
	case "low":
		return LevelLow, true
	case "medium", "moderate":
		return LevelMedium, true
	case "high":
		return LevelHigh, true
	case "dangerous", "critical":
		return LevelDangerous, true
	default:
		return LevelSafe, false
	}
}

// Category classifies what a finding reaches for.
type Category string

const (
	CategorySystemCall        Category = "SystemCall"
	CategoryFileSystemAccess  Category = "FileSystemAccess"
	CategoryNetworkAccess     Category = "NetworkAccess"
	CategoryRegistryAccess    Category = "RegistryAccess"
	CategoryExternalExecution Category = "ExternalExecution"
	CategoryDangerousFunction Category = "DangerousFunction"
	CategorySuspiciousPattern Category = "SuspiciousPattern"
)

func (c Category) valid() bool {
	switch c {
	case CategorySystemCall, CategoryFileSystemAccess, CategoryNetworkAccess,
		CategoryRegistryAccess, CategoryExternalExecution, CategoryDangerousFunction,
		CategorySuspiciousPattern:
		return true
	default:
		return false
	}
}

func (c Category) suggestion() string {
	switch c {
	case CategorySystemCall:
		return "Do not start processes or shells from a generated script."
	case CategoryFileSystemAccess:
		return "Work with workbook ranges only; remove file system calls."
	case CategoryNetworkAccess:
		return "Remove network access; the script must only touch the workbook."
	case CategoryRegistryAccess:
		return "Remove registry and application settings access."
	case CategoryExternalExecution:
		return "Do not create external objects or reference executables."
	case CategoryDangerousFunction:
		return "Remove the call; it reaches outside the cells being edited."
	default:
		return "Review this construct and prefer direct range operations."
	}
}
