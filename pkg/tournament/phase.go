package tournament

import (
	"fmt"
	"time"
)

type Phase int

const (
	PhaseRegistration Phase = iota
	PhasePointCollection
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseRegistration:
		return "registration"
	case PhasePointCollection:
		return "point_collection"
	}
	return "ended"
}

// A week runs on a fixed seven day cycle from WeekZero. Registration
// opens the week, point collection follows, and whatever remains of
// the cycle is the ended window in which scores are synced and the
// week rolls over.
const weekLength = 7 * 24 * time.Hour

// Schedule derives tournament phases purely from the wall clock, so
// every instance observes the same phase without coordination.
type Schedule struct {
	WeekZero        time.Time
	Registration    time.Duration
	PointCollection time.Duration
}

func NewSchedule(weekZero string, registrationHours uint, pointCollectionHours uint) (Schedule, error) {
	zero, err := time.Parse(time.RFC3339, weekZero)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid week zero: %w", err)
	}

	registration := time.Duration(registrationHours) * time.Hour
	collection := time.Duration(pointCollectionHours) * time.Hour
	if registration+collection > weekLength {
		return Schedule{}, fmt.Errorf("phase windows exceed the week")
	}

	return Schedule{
		WeekZero:        zero,
		Registration:    registration,
		PointCollection: collection,
	}, nil
}

// At reports the week number and phase in effect at a given instant.
// Weeks are numbered from 1; instants before WeekZero belong to week 1
// as if it had just opened.
func (s Schedule) At(at time.Time) (int, Phase) {
	elapsed := at.Sub(s.WeekZero)
	if elapsed < 0 {
		return 1, PhaseRegistration
	}

	week := int(elapsed/weekLength) + 1
	offset := elapsed % weekLength

	switch {
	case offset < s.Registration:
		return week, PhaseRegistration
	case offset < s.Registration+s.PointCollection:
		return week, PhasePointCollection
	}
	return week, PhaseEnded
}
