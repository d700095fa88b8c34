package activity

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Timer is a scheduled callback that can be canceled.
type Timer interface {
	Stop() bool
}

// Clock is the time source and scheduler used by Recorder rotation and by
// Manager to decide which partition is "today". Tests inject a fake.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns a Clock backed by the time package.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// midnight fires at 00:00 of each calendar day. Because it carries no TZ=
// prefix, Next evaluates it in the location of the instant passed in.
var midnight = mustSchedule("@midnight")

func mustSchedule(spec string) cron.Schedule {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		panic(err)
	}
	return s
}

// NextMidnight returns the next local midnight strictly after t.
func NextMidnight(t time.Time) time.Time { return midnight.Next(t) }
