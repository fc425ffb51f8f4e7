package stage

import (
	"fmt"
	"strings"
	"time"

	"wayfarer/internal/services"
)

const dateLayout = "2006-01-02"

// TripRequest is what a traveller asks for.
type TripRequest struct {
	Destination string   `json:"destination"`
	Origin      string   `json:"origin,omitempty"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	Travelers   int      `json:"travelers"`
	Budget      string   `json:"budget,omitempty"`
	Interests   []string `json:"interests,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Days returns the inclusive trip length. It assumes Validate passed.
func (r TripRequest) Days() int {
	start, _ := time.Parse(dateLayout, r.StartDate)
	end, _ := time.Parse(dateLayout, r.EndDate)
	return int(end.Sub(start).Hours()/24) + 1
}

// Validate checks the fields every stage depends on.
func (r TripRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.Destination) == "" {
		missing = append(missing, "destination")
	}
	if r.StartDate == "" {
		missing = append(missing, "startDate")
	}
	if r.EndDate == "" {
		missing = append(missing, "endDate")
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrValidation, "stage", "validate request",
			"missing "+strings.Join(missing, ", "), nil)
	}
	start, err := time.Parse(dateLayout, r.StartDate)
	if err != nil {
		return services.Wrap(services.ErrValidation, "stage", "validate request", "startDate must be YYYY-MM-DD", err)
	}
	end, err := time.Parse(dateLayout, r.EndDate)
	if err != nil {
		return services.Wrap(services.ErrValidation, "stage", "validate request", "endDate must be YYYY-MM-DD", err)
	}
	if end.Before(start) {
		return services.Wrap(services.ErrValidation, "stage", "validate request", "endDate is before startDate", nil)
	}
	if r.Travelers < 0 {
		return services.Wrap(services.ErrValidation, "stage", "validate request", fmt.Sprintf("travelers must be positive, got %d", r.Travelers), nil)
	}
	return nil
}
