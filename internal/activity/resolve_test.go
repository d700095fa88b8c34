package activity

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("line\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func day(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func TestResolveJanuaryOnly(t *testing.T) {
	dir := t.TempDir()
	jan := PartitionPath(dir, "reports", day(2024, 1, 15))
	touch(t, jan)
	touch(t, PartitionPath(dir, "reports", day(2024, 2, 3)))

	got, err := NewResolver(dir).Resolve(context.Background(), "reports", day(2024, 1, 1), day(2024, 1, 31))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, []string{jan}) {
		t.Fatalf("Resolve = %v, want [%s]", got, jan)
	}
}

func TestResolveOrderAndBoundsAcrossYears(t *testing.T) {
	dir := t.TempDir()
	want := []string{
		PartitionPath(dir, "r", day(2023, 12, 30)),
		PartitionPath(dir, "r", day(2023, 12, 31)),
		PartitionPath(dir, "r", day(2024, 1, 1)),
		PartitionPath(dir, "r", day(2024, 1, 2)),
	}
	for i := len(want) - 1; i >= 0; i-- {
		touch(t, want[i])
	}
	touch(t, PartitionPath(dir, "r", day(2023, 12, 29)))
	touch(t, PartitionPath(dir, "r", day(2024, 1, 3)))
	touch(t, PartitionPath(dir, "other", day(2024, 1, 1)))
	// Noise that must be skipped.
	if err := os.MkdirAll(filepath.Join(Root(dir), "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(Root(dir), "2024", "README"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	start := time.Date(2023, 12, 30, 18, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	r := NewResolver(dir)
	got, err := r.Resolve(context.Background(), "r", start, end)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Resolve =\n%v\nwant\n%v", got, want)
	}

	again, err := r.Resolve(context.Background(), "r", start, end)
	if err != nil || !reflect.DeepEqual(again, got) {
		t.Fatalf("second Resolve = %v, %v", again, err)
	}
}

func TestResolveMissingRootIsEmpty(t *testing.T) {
	got, err := NewResolver(filepath.Join(t.TempDir(), "nope")).Resolve(context.Background(), "r", day(2024, 1, 1), day(2024, 12, 31))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Resolve = %v, want empty", got)
	}
}

func TestResolveSkipsNonRegularPartition(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(PartitionPath(dir, "r", day(2024, 1, 1)), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := NewResolver(dir).Resolve(context.Background(), "r", day(2024, 1, 1), day(2024, 1, 1))
	if err != nil || len(got) != 0 {
		t.Fatalf("Resolve = %v, %v", got, err)
	}
}

func TestResolveInvertedRangeIsEmpty(t *testing.T) {
	dir := t.TempDir()
	touch(t, PartitionPath(dir, "r", day(2024, 1, 1)))
	got, err := NewResolver(dir).Resolve(context.Background(), "r", day(2024, 1, 2), day(2024, 1, 1))
	if err != nil || len(got) != 0 {
		t.Fatalf("Resolve = %v, %v", got, err)
	}
}

func TestResolvePermissionErrorSurfaces(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	touch(t, PartitionPath(dir, "r", day(2024, 1, 1)))
	yDir := filepath.Join(Root(dir), "2024")
	if err := os.Chmod(yDir, 0); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(yDir, 0o755) })

	if _, err := NewResolver(dir).Resolve(context.Background(), "r", day(2024, 1, 1), day(2024, 1, 1)); err == nil {
		t.Fatal("expected resolution failure")
	}
}
