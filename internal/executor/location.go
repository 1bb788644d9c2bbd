package executor

import (
	"errors"
	"fmt"
	"strings"
)

// Location is an endpoint the pipeline service is available in.
type Location struct {
	// ID is the short identifier, e.g. "us-central1".
	ID string
	// Name is the fully qualified resource name,
	// e.g. "projects/my-project/locations/us-central1".
	Name string
}

// ErrNoLocations is returned when the service reports no available locations.
var ErrNoLocations = errors.New("no service locations available")

// LocationUnavailableError is returned when neither the requested location
// nor any configured region matches an available service location.
type LocationUnavailableError struct {
	Requested string
	Regions   []string
	Available []string
}

func (e *LocationUnavailableError) Error() string {
	return fmt.Sprintf(
		"no service location matches request %q or regions %v (available: %v); "+
			"set an explicit location or adjust the regions",
		e.Requested, e.Regions, e.Available)
}

// ResolveLocation picks the service location to run jobs in. A requested
// location wins on an exact ID match, then on a prefix match (so "us" picks
// the first US location); a request that matches nothing is an error even
// when regions are configured. With no request, the configured regions are
// tried for an exact match in order; failing that, any location sharing a
// region's leading word is accepted, so regions in us-east1 can still land
// on a service endpoint in us-central1.
func ResolveLocation(available []Location, requested string, regions []string) (Location, error) {
	if len(available) == 0 {
		return Location{}, ErrNoLocations
	}

	unavailable := func() error {
		ids := make([]string, 0, len(available))
		for _, loc := range available {
			ids = append(ids, loc.ID)
		}
		return &LocationUnavailableError{
			Requested: requested,
			Regions:   regions,
			Available: ids,
		}
	}

	if requested != "" {
		for _, loc := range available {
			if loc.ID == requested {
				return loc, nil
			}
		}
		for _, loc := range available {
			if strings.HasPrefix(loc.ID, requested) {
				return loc, nil
			}
		}
		return Location{}, unavailable()
	}

	for _, region := range regions {
		for _, loc := range available {
			if loc.ID == region {
				return loc, nil
			}
		}
	}

	prefixes := make([]string, 0, len(regions))
	for _, region := range regions {
		word, _, _ := strings.Cut(region, "-")
		prefixes = append(prefixes, word)
	}
	for _, loc := range available {
		for _, prefix := range prefixes {
			if strings.HasPrefix(loc.ID, prefix) {
				return loc, nil
			}
		}
	}

	return Location{}, unavailable()
}
