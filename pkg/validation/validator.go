package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// Validate is the global validator instance
	Validate *validator.Validate

	// Common regex patterns
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneRegex    = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`) // E.164 format
	timeOfDayRegex = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d:[0-5]\d$`)
	isoDateRegex  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

func init() {
	Validate = validator.New()

	// Register custom validators
	_ = Validate.RegisterValidation("latitude", validateLatitude)
	_ = Validate.RegisterValidation("longitude", validateLongitude)
	_ = Validate.RegisterValidation("phone", validatePhone)
	_ = Validate.RegisterValidation("order_status", validateOrderStatus)
	_ = Validate.RegisterValidation("driver_status", validateDriverStatus)
	_ = Validate.RegisterValidation("waypoint_action", validateWaypointAction)
	_ = Validate.RegisterValidation("payout_method", validatePayoutMethod)
	_ = Validate.RegisterValidation("user_role", validateUserRole)
	_ = Validate.RegisterValidation("time_of_day", validateTimeOfDay)
	_ = Validate.RegisterValidation("iso_date", validateISODate)
}

// ValidateStruct validates a struct and returns a ValidationError if validation fails
func ValidateStruct(s interface{}) error {
	err := Validate.Struct(s)
	if err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return NewValidationError(validationErrors)
		}
		return err
	}
	return nil
}

// validateLatitude checks if latitude is within valid range (-90 to 90)
func validateLatitude(fl validator.FieldLevel) bool {
	latitude := fl.Field().Float()
	return latitude >= -90.0 && latitude <= 90.0
}

// validateLongitude checks if longitude is within valid range (-180 to 180)
func validateLongitude(fl validator.FieldLevel) bool {
	longitude := fl.Field().Float()
	return longitude >= -180.0 && longitude <= 180.0
}

// validatePhone checks if phone number is in E.164 format
func validatePhone(fl validator.FieldLevel) bool {
	phone := fl.Field().String()
	return phoneRegex.MatchString(phone)
}

// validateOrderStatus checks if order status is valid
func validateOrderStatus(fl validator.FieldLevel) bool {
	status := fl.Field().String()
	validStatuses := []string{
		"PENDING", "OFFERED", "ACCEPTED", "AT_PICKUP", "EN_ROUTE_TO_DELIVERY",
		"AT_DELIVERY_LOCATION", "SUCCESS", "PARTIALLY_COMPLETED", "FAILED", "CANCELLED",
	}
	return contains(validStatuses, status)
}

// validateDriverStatus checks if driver status is valid
func validateDriverStatus(fl validator.FieldLevel) bool {
	status := fl.Field().String()
	validStatuses := []string{"ACTIVE", "INACTIVE", "ON_BREAK", "OFFERING", "IN_WORK"}
	return contains(validStatuses, status)
}

// validateWaypointAction checks if waypoint action is valid
func validateWaypointAction(fl validator.FieldLevel) bool {
	action := fl.Field().String()
	validActions := []string{"arrive", "start_processing", "complete", "fail", "skip"}
	return contains(validActions, action)
}

// validatePayoutMethod checks if payout method is valid
func validatePayoutMethod(fl validator.FieldLevel) bool {
	method := fl.Field().String()
	validMethods := []string{"orange_money", "mtn_momo", "moov_money", "wave", "stripe"}
	return contains(validMethods, method)
}

// validateUserRole checks if user role is valid
func validateUserRole(fl validator.FieldLevel) bool {
	role := fl.Field().String()
	validRoles := []string{"client", "driver", "admin"}
	return contains(validRoles, role)
}

// validateTimeOfDay checks HH:MM:SS wall-clock strings
func validateTimeOfDay(fl validator.FieldLevel) bool {
	return timeOfDayRegex.MatchString(fl.Field().String())
}

// validateISODate checks YYYY-MM-DD date strings
func validateISODate(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if !isoDateRegex.MatchString(value) {
		return false
	}
	_, err := time.Parse("2006-01-02", value)
	return err == nil
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	item = strings.ToLower(strings.TrimSpace(item))
	for _, s := range slice {
		if strings.ToLower(strings.TrimSpace(s)) == item {
			return true
		}
	}
	return false
}

// ValidateEmail validates email format
func ValidateEmail(email string) bool {
	email = strings.TrimSpace(email)
	return len(email) > 0 && emailRegex.MatchString(email)
}

// ValidatePhoneNumber validates phone number format
func ValidatePhoneNumber(phone string) bool {
	phone = strings.TrimSpace(phone)
	return phoneRegex.MatchString(phone)
}

// ValidateCoordinates validates latitude and longitude
func ValidateCoordinates(latitude, longitude float64) error {
	if latitude < -90.0 || latitude > 90.0 {
		return fmt.Errorf("latitude must be between -90 and 90, got: %f", latitude)
	}
	if longitude < -180.0 || longitude > 180.0 {
		return fmt.Errorf("longitude must be between -180 and 180, got: %f", longitude)
	}
	return nil
}

// ValidateDistance validates distance value in km
func ValidateDistance(distance float64) error {
	if distance < 0 {
		return fmt.Errorf("distance cannot be negative: %f", distance)
	}
	if distance > 10000 { // Max 10,000 km seems reasonable
		return fmt.Errorf("distance exceeds maximum allowed: %f", distance)
	}
	return nil
}

// ValidateAmount validates a monetary amount in minor units
func ValidateAmount(amount int64) error {
	if amount < 0 {
		return fmt.Errorf("amount cannot be negative: %d", amount)
	}
	if amount > 100_000_000 { // per-transaction ceiling
		return fmt.Errorf("amount exceeds maximum allowed: %d", amount)
	}
	return nil
}

// ValidateRating validates rating value (1-5)
func ValidateRating(rating float64) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating must be between 1 and 5, got: %f", rating)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int) error {
	length := len(strings.TrimSpace(s))
	if length < min {
		return fmt.Errorf("string length must be at least %d characters, got: %d", min, length)
	}
	if max > 0 && length > max {
		return fmt.Errorf("string length must be at most %d characters, got: %d", max, length)
	}
	return nil
}

// ValidateUUID validates UUID format
func ValidateUUID(uuid string) bool {
	uuidRegex := regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	return uuidRegex.MatchString(uuid)
}
