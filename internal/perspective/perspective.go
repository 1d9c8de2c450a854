// Package perspective resolves which side of a dispatch a facility stands on
// and maps the full trip-state vocabulary down to the facility-local view.
// It is pure: two facilities looking at the same trip always get disjoint,
// facility-correct classifications.
package perspective

import (
	"time"

	"dispatchline/internal/domain"
)

// Role is the facility-relative classification of a dispatch.
type Role string

const (
	Origin      Role = "origin"
	Destination Role = "destination"
	Unrelated   Role = "unrelated"
)

// Resolve determines the role of facilityID for a dispatch.
func Resolve(facilityID string, d domain.Dispatch) Role {
	switch facilityID {
	case d.OriginFacilityID:
		return Origin
	case d.DestinationFacilityID:
		return Destination
	}
	return Unrelated
}

// Authorized reports whether a facility with the given role may drive a
// transition into targetState. Origin-phase transitions belong to the origin
// facility, everything past departed_origin to the destination facility.
func Authorized(role Role, targetState string) bool {
	switch role {
	case Origin:
		return originPhase(targetState)
	case Destination:
		return domain.ValidTripState(targetState) && !originPhase(targetState)
	}
	return false
}

func originPhase(state string) bool {
	for _, s := range domain.TripStates {
		if s == state {
			return true
		}
		if s == domain.TripDepartedOrigin {
			return false
		}
	}
	return false
}

// Bucket is the facility-local stage of a trip.
type Bucket string

const (
	BucketExpected   Bucket = "expected"
	BucketInFacility Bucket = "in_facility"
	BucketLoading    Bucket = "loading"
	BucketUnloading  Bucket = "unloading"
	BucketDeparted   Bucket = "departed"
	BucketNone       Bucket = "none"
)

// Classify buckets a trip state for one facility. scheduledDate and today are
// calendar days; a trip that has not yet reached the facility counts as
// expected only once its dispatch date has arrived.
func Classify(role Role, state string, scheduledDate, today time.Time) Bucket {
	idx := stateIndex(state)
	if idx < 0 || role == Unrelated {
		return BucketNone
	}
	arrived, departed := stateIndex(domain.TripArrivedAtOrigin), stateIndex(domain.TripDepartedOrigin)
	working := BucketLoading
	workStart, workEnd := stateIndex(domain.TripLoadCalled), stateIndex(domain.TripLoaded)
	if role == Destination {
		arrived, departed = stateIndex(domain.TripArrivedAtDestination), stateIndex(domain.TripDepartedDestination)
		working = BucketUnloading
		workStart, workEnd = stateIndex(domain.TripUnloadCalled), stateIndex(domain.TripUnloaded)
	}
	switch {
	case idx >= departed:
		return BucketDeparted
	case idx >= workStart && idx <= workEnd:
		return working
	case idx >= arrived:
		return BucketInFacility
	case !scheduledDate.After(today):
		return BucketExpected
	}
	return BucketNone
}

// Counts aggregates bucket totals for a board view.
type Counts struct {
	Expected   int `json:"expected"`
	InFacility int `json:"in_facility"`
	Loading    int `json:"loading"`
	Unloading  int `json:"unloading"`
	Departed   int `json:"departed"`
}

func (c *Counts) Add(b Bucket) {
	switch b {
	case BucketExpected:
		c.Expected++
	case BucketInFacility:
		c.InFacility++
	case BucketLoading:
		c.Loading++
	case BucketUnloading:
		c.Unloading++
	case BucketDeparted:
		c.Departed++
	}
}

func stateIndex(state string) int {
	for i, s := range domain.TripStates {
		if s == state {
			return i
		}
	}
	return -1
}
