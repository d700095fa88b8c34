// Package activity implements taskboard's activity log: a date-partitioned,
// append-only on-disk log plus the read side that replays and live-tails it.
//
// # Layout
//
// Every resource gets one file per local calendar day:
//
//	<dir>/activity/<YYYY>/<MM>/<DD>/<resource>.log
//
// Components are zero-padded so lexicographic and numeric order agree.
//
// # Write side
//
// A Recorder owns the open partition file for one resource. It renders each
// record as a single human-readable line, writes it to a colored console sink
// and to the partition file, and rotates the file at local midnight (first
// rotation aligned to the next midnight, then every 24h). Rotation failures
// keep the previous sink alive.
//
// # Read side
//
// Resolver maps (resource, start, end) onto the ordered list of existing
// partition files, compared at day granularity. Manager.Subscribe replays
// those partitions through a scoped on-disk staging file and then follows
// today's partition, delivering only newly appended bytes. Live-tail uses
// fsnotify and falls back to polling when a watch cannot be installed.
package activity
