package perspective_test

import (
	"testing"
	"time"

	"dispatchline/internal/domain"
	"dispatchline/internal/perspective"
)

func TestResolve(t *testing.T) {
	d := domain.Dispatch{OriginFacilityID: "fac-a", DestinationFacilityID: "fac-b"}
	if got := perspective.Resolve("fac-a", d); got != perspective.Origin {
		t.Fatalf("fac-a: got %s", got)
	}
	if got := perspective.Resolve("fac-b", d); got != perspective.Destination {
		t.Fatalf("fac-b: got %s", got)
	}
	if got := perspective.Resolve("fac-c", d); got != perspective.Unrelated {
		t.Fatalf("fac-c: got %s", got)
	}
}

func TestAuthorizedSplitsAtDepartedOrigin(t *testing.T) {
	for _, state := range domain.TripStates {
		originOK := perspective.Authorized(perspective.Origin, state)
		destOK := perspective.Authorized(perspective.Destination, state)
		if originOK == destOK {
			t.Fatalf("state %s: exactly one side must be authorized (origin=%v destination=%v)", state, originOK, destOK)
		}
		if perspective.Authorized(perspective.Unrelated, state) {
			t.Fatalf("state %s: unrelated facility must never be authorized", state)
		}
	}
	if !perspective.Authorized(perspective.Origin, domain.TripDepartedOrigin) {
		t.Fatal("departed_origin belongs to the origin facility")
	}
	if !perspective.Authorized(perspective.Destination, domain.TripEnRouteToDestination) {
		t.Fatal("en_route_to_destination belongs to the destination facility")
	}
}

func TestClassify(t *testing.T) {
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	scheduled := today
	future := today.AddDate(0, 0, 2)

	cases := []struct {
		name      string
		role      perspective.Role
		state     string
		scheduled time.Time
		want      perspective.Bucket
	}{
		{"origin expected on scheduled day", perspective.Origin, domain.TripAssigned, scheduled, perspective.BucketExpected},
		{"origin not expected before scheduled day", perspective.Origin, domain.TripAssigned, future, perspective.BucketNone},
		{"origin in facility on arrival", perspective.Origin, domain.TripArrivedAtOrigin, scheduled, perspective.BucketInFacility},
		{"origin loading range", perspective.Origin, domain.TripLoading, scheduled, perspective.BucketLoading},
		{"origin loaded still loading", perspective.Origin, domain.TripLoaded, scheduled, perspective.BucketLoading},
		{"origin departed", perspective.Origin, domain.TripDepartedOrigin, scheduled, perspective.BucketDeparted},
		{"origin stays departed at destination", perspective.Origin, domain.TripUnloading, scheduled, perspective.BucketDeparted},
		{"destination expected while loading far away", perspective.Destination, domain.TripLoading, scheduled, perspective.BucketExpected},
		{"destination in facility on arrival", perspective.Destination, domain.TripArrivedAtDestination, scheduled, perspective.BucketInFacility},
		{"destination unloading range", perspective.Destination, domain.TripUnloadCalled, scheduled, perspective.BucketUnloading},
		{"destination departed", perspective.Destination, domain.TripDepartedDestination, scheduled, perspective.BucketDeparted},
		{"unrelated sees nothing", perspective.Unrelated, domain.TripLoading, scheduled, perspective.BucketNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := perspective.Classify(tc.role, tc.state, tc.scheduled, today)
			if got != tc.want {
				t.Fatalf("got %s want %s", got, tc.want)
			}
		})
	}
}

func TestClassifyDisjointAcrossFacilities(t *testing.T) {
	// The same trip must never count as present at both facilities.
	today := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	for _, state := range domain.TripStates {
		origin := perspective.Classify(perspective.Origin, state, today, today)
		dest := perspective.Classify(perspective.Destination, state, today, today)
		originPresent := origin == perspective.BucketInFacility || origin == perspective.BucketLoading
		destPresent := dest == perspective.BucketInFacility || dest == perspective.BucketUnloading
		if originPresent && destPresent {
			t.Fatalf("state %s counted as present at both facilities", state)
		}
	}
}

func TestCountsAdd(t *testing.T) {
	var c perspective.Counts
	c.Add(perspective.BucketExpected)
	c.Add(perspective.BucketLoading)
	c.Add(perspective.BucketLoading)
	c.Add(perspective.BucketNone)
	if c.Expected != 1 || c.Loading != 2 || c.InFacility != 0 {
		t.Fatalf("unexpected counts: %+v", c)
	}
}
