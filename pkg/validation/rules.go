package validation

import "time"

// Common validation rules and request structs

// CreateOrderRequest represents an order creation request with validation rules
type CreateOrderRequest struct {
	PickupLatitude    float64 `json:"pickup_latitude" validate:"required,latitude"`
	PickupLongitude   float64 `json:"pickup_longitude" validate:"required,longitude"`
	PickupAddr        string  `json:"pickup_address" validate:"omitempty,min=5,max=500"`
	DeliveryLatitude  float64 `json:"delivery_latitude" validate:"required,latitude"`
	DeliveryLongitude float64 `json:"delivery_longitude" validate:"required,longitude"`
	DeliveryAddr      string  `json:"delivery_address" validate:"omitempty,min=5,max=500"`
	RecipientPhone    string  `json:"recipient_phone" validate:"required,phone"`
	WeightGrams       int     `json:"weight_grams" validate:"required,gt=0,lte=100000"`
	Fragile           bool    `json:"fragile"`
}

// UpdateLocationRequest represents a driver location update
type UpdateLocationRequest struct {
	Latitude  float64 `json:"latitude" validate:"required,latitude"`
	Longitude float64 `json:"longitude" validate:"required,longitude"`
	Heading   float64 `json:"heading" validate:"omitempty,gte=0,lt=360"`
	SpeedKmh  float64 `json:"speed_kmh" validate:"omitempty,gte=0,lte=300"`
}

// UpdateDriverStatusRequest represents a driver status change
type UpdateDriverStatusRequest struct {
	Status string `json:"status" validate:"required,driver_status"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

// WaypointActionRequest represents a waypoint lifecycle action
type WaypointActionRequest struct {
	Action           string `json:"action" validate:"required,waypoint_action"`
	ConfirmationCode string `json:"confirmation_code" validate:"omitempty,len=6,numeric"`
	MessageIssue     string `json:"message_issue" validate:"omitempty,min=3,max=1000"`
}

// AvailabilityRuleRequest represents a weekly recurring availability rule
type AvailabilityRuleRequest struct {
	DayOfWeek int    `json:"day_of_week" validate:"gte=0,lte=6"`
	StartTime string `json:"start_time" validate:"required,time_of_day"`
	EndTime   string `json:"end_time" validate:"required,time_of_day"`
}

// AvailabilityExceptionRequest represents a single-date availability override
type AvailabilityExceptionRequest struct {
	Date        string  `json:"date" validate:"required,iso_date"`
	IsAvailable bool    `json:"is_available"`
	StartTime   *string `json:"start_time" validate:"omitempty,time_of_day"`
	EndTime     *string `json:"end_time" validate:"omitempty,time_of_day"`
}

// PayoutAccountRequest represents a mobile money account registration
type PayoutAccountRequest struct {
	Provider    string `json:"provider" validate:"required,payout_method"`
	PhoneNumber string `json:"phone_number" validate:"required,phone"`
}

// PaginationRequest represents common pagination parameters
type PaginationRequest struct {
	Limit   int    `json:"limit" validate:"omitempty,gte=1,lte=100"`
	Offset  int    `json:"offset" validate:"omitempty,gte=0"`
	SortBy  string `json:"sort_by" validate:"omitempty,alpha"`
	SortDir string `json:"sort_dir" validate:"omitempty,oneof=asc desc"`
}

// DateRangeRequest represents a date range filter
type DateRangeRequest struct {
	StartDate time.Time `json:"start_date" validate:"omitempty"`
	EndDate   time.Time `json:"end_date" validate:"omitempty"`
}

// ValidateOrderRequest validates an order request and checks business rules
func ValidateOrderRequest(req *CreateOrderRequest) error {
	// First, validate struct tags
	if err := ValidateStruct(req); err != nil {
		return err
	}

	// Additional business logic validation
	validationErr := &ValidationError{Errors: make(map[string]string)}

	// Check if pickup and delivery are not the same point
	if req.PickupLatitude == req.DeliveryLatitude && req.PickupLongitude == req.DeliveryLongitude {
		validationErr.AddError("location", "Pickup and delivery locations cannot be the same")
	}

	if validationErr.HasErrors() {
		return validationErr
	}

	return nil
}

// ValidateAvailabilityWindow checks that a rule's window is non-empty.
// Windows are half-open [start, end), so equal bounds describe nothing.
func ValidateAvailabilityWindow(startTime, endTime string) error {
	if startTime >= endTime {
		return &ValidationError{
			Errors: map[string]string{
				"window": "End time must be after start time",
			},
		}
	}
	return nil
}

// ValidateDateRange validates that end date is after start date
func ValidateDateRange(start, end time.Time) error {
	if end.Before(start) {
		return &ValidationError{
			Errors: map[string]string{
				"date_range": "End date must be after start date",
			},
		}
	}
	return nil
}
