package medimate

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// UserRole is the account kind.
type UserRole string

const (
	RoleGuest   UserRole = "GUEST"
	RolePatient UserRole = "PATIENT"
	RoleEscort  UserRole = "ESCORT"
)

// ServiceType is a bookable escort service.
type ServiceType string

const (
	ServiceFullProcess  ServiceType = "FULL_PROCESS"
	ServiceAppointment  ServiceType = "APPOINTMENT"
	ServiceReportPickup ServiceType = "REPORT_PICKUP"
	ServiceVIPTransport ServiceType = "VIP_TRANSPORT"
)

// AppointmentStatus tracks a booking from request to completion.
type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusMatched   AppointmentStatus = "MATCHED"
	StatusCompleted AppointmentStatus = "COMPLETED"
)

// User is the identity record returned on login.
type User struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Role   UserRole `json:"role"`
	Phone  string   `json:"phone"`
	Avatar string   `json:"avatar,omitempty"`
}

// LoginCredentials authenticate an existing account.
type LoginCredentials struct {
	Email    string   `json:"email" validate:"required,email"`
	Password string   `json:"password" validate:"required"`
	Role     UserRole `json:"role" validate:"required,oneof=GUEST PATIENT ESCORT"`
}

// Validate checks the credentials before they are sent.
func (c *LoginCredentials) Validate() error {
	return validationError(validate.Struct(c))
}

// RegisterData creates a new account.
type RegisterData struct {
	LoginCredentials
	Name  string `json:"name" validate:"required,max=100"`
	Phone string `json:"phone" validate:"required,min=5,max=20"`
}

// Validate checks the registration before it is sent.
func (r *RegisterData) Validate() error {
	return validationError(validate.Struct(r))
}

// AuthResponse is the data of a successful login or registration.
// ExpiresAt is in unix milliseconds; zero means no expiry was given.
type AuthResponse struct {
	Token     string `json:"token"`
	User      User   `json:"user"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Session converts the response into the stored session.
func (a *AuthResponse) Session() *Session {
	s := &Session{Token: a.Token, User: a.User}
	if a.ExpiresAt > 0 {
		s.ExpiresAt = time.UnixMilli(a.ExpiresAt)
	}
	return s
}

// Hospital is a partner hospital.
type Hospital struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     string   `json:"address"`
	Level       string   `json:"level,omitempty"`
	Departments []string `json:"departments,omitempty"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
}

// Escort is a certified medical escort.
type Escort struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Rating          float64  `json:"rating"`
	CompletedOrders int      `json:"completedOrders"`
	IsCertified     bool     `json:"isCertified"`
	Specialties     []string `json:"specialties"`
	ImageURL        string   `json:"imageUrl"`
	Distance        string   `json:"distance"`
}

// RecommendedService is a service offered on the home screen.
type RecommendedService struct {
	ID          string      `json:"id"`
	Type        ServiceType `json:"type"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Price       float64     `json:"price"`
}

// Appointment is a booking.
type Appointment struct {
	ID          string            `json:"id"`
	ServiceType ServiceType       `json:"serviceType"`
	Hospital    string            `json:"hospital"`
	Date        string            `json:"date"`
	Status      AppointmentStatus `json:"status"`
	Price       float64           `json:"price"`
	EscortID    string            `json:"escortId,omitempty"`
}

// AppointmentRequest books a service. Date is YYYY-MM-DD.
type AppointmentRequest struct {
	ServiceType ServiceType `json:"serviceType" validate:"required,oneof=FULL_PROCESS APPOINTMENT REPORT_PICKUP VIP_TRANSPORT"`
	HospitalID  string      `json:"hospitalId" validate:"required"`
	Date        string      `json:"date" validate:"required,datetime=2006-01-02"`
	EscortID    string      `json:"escortId,omitempty"`
	Notes       string      `json:"notes,omitempty" validate:"max=500"`
}

// Validate checks the request before it is sent.
func (r *AppointmentRequest) Validate() error {
	return validationError(validate.Struct(r))
}

// DashboardQuery locates the patient for the dashboard.
type DashboardQuery struct {
	Latitude  float64
	Longitude float64
	Radius    float64
}

// Dashboard aggregates what the patient home screen shows. Parts that could
// not be loaded are empty.
type Dashboard struct {
	Hospitals     []Hospital           `json:"hospitals"`
	Services      []RecommendedService `json:"services"`
	NearbyEscorts []Escort             `json:"nearbyEscorts"`
	Appointments  []Appointment        `json:"appointments"`
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	return &ClientError{
		Type:      ErrorTypeValidation,
		Message:   err.Error(),
		Cause:     err,
		Timestamp: time.Now(),
	}
}
