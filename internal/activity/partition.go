package activity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DirName is the subdirectory of the configured log dir holding partitions.
const DirName = "activity"

const partitionExt = ".log"

var ErrInvalidResource = errors.New("invalid resource name")

// ValidateResource rejects names that would escape the partition directory.
func ValidateResource(resource string) error {
	r := strings.TrimSpace(resource)
	switch {
	case r == "", r != resource:
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	case r == "." || r == "..":
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	case strings.ContainsAny(r, `/\`+"\x00"):
		return fmt.Errorf("%w: %q", ErrInvalidResource, resource)
	}
	return nil
}

// Root returns the activity root under the configured log dir.
func Root(dir string) string { return filepath.Join(dir, DirName) }

// DayDir returns <dir>/activity/YYYY/MM/DD for t's calendar day.
func DayDir(dir string, t time.Time) string {
	return filepath.Join(Root(dir),
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%02d", t.Day()),
	)
}

// PartitionPath maps (resource, instant) to its partition file.
func PartitionPath(dir, resource string, t time.Time) string {
	return filepath.Join(DayDir(dir, t), resource+partitionExt)
}

// EnsurePartition returns PartitionPath and makes sure its directory chain exists.
func EnsurePartition(dir, resource string, t time.Time) (string, error) {
	d := DayDir(dir, t)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", fmt.Errorf("create partition dir %s: %w", d, err)
	}
	return filepath.Join(d, resource+partitionExt), nil
}

// dayOf truncates t to local midnight of its calendar day, in loc.
func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
