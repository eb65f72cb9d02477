package domain

import "time"

// TripRecord holds the trip's scalar metadata. It lives outside the
// collaborative itinerary document and is guarded solely by the Version
// column: every successful write increments it, and writers must present
// the version they read.
type TripRecord struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Destination string    `json:"destination"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	Budget      float64   `json:"budget"`
	Travelers   int       `json:"travelers"`
	Pace        string    `json:"pace"`
	Interests   []string  `json:"interests"`
	Completion  float64   `json:"completion"`
	ImageURL    string    `json:"image_url"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateTripRequest is a partial update: nil fields are left untouched.
// ExpectedVersion carries the version the client last read.
type UpdateTripRequest struct {
	Title           *string   `json:"title"`
	Destination     *string   `json:"destination"`
	StartDate       *string   `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate         *string   `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Budget          *float64  `json:"budget" validate:"omitempty,gte=0"`
	Travelers       *int      `json:"travelers" validate:"omitempty,gte=1"`
	Pace            *string   `json:"pace" validate:"omitempty,oneof=relaxed moderate packed"`
	Interests       *[]string `json:"interests"`
	Completion      *float64  `json:"completion" validate:"omitempty,gte=0,lte=100"`
	ImageURL        *string   `json:"image_url"`
	ExpectedVersion int64     `json:"expected_version" validate:"gte=1"`
}

type TripRole string

const (
	RoleOwner  TripRole = "owner"
	RoleEditor TripRole = "editor"
	RoleViewer TripRole = "viewer"
)

// CanEdit reports whether the role may mutate the trip or its itinerary.
func (r TripRole) CanEdit() bool {
	return r == RoleOwner || r == RoleEditor
}
