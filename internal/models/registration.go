package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/assocevents/registration-backend/pkg/reference"
)

// JSONB is a custom type for handling JSONB fields
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
// Returns JSON as string for compatibility with simple protocol mode
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// PaymentStatus is the payment lifecycle state of a registration.
// Transitions only move forward: pending → initiated → {completed, failed}.
// completed and failed are terminal; the resubmit endpoint is the single
// explicit exception path back to pending.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentInitiated PaymentStatus = "initiated"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether the status ends the payment lifecycle.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// AttendeeCategory classifies the attendee for fee purposes
type AttendeeCategory string

const (
	CategoryMember        AttendeeCategory = "member"
	CategoryGeneral       AttendeeCategory = "general"
	CategoryInternational AttendeeCategory = "international"
	CategoryStudent       AttendeeCategory = "student"
	CategoryTest          AttendeeCategory = "test"
)

// Valid reports whether the category is a known one.
func (c AttendeeCategory) Valid() bool {
	switch c {
	case CategoryMember, CategoryGeneral, CategoryInternational, CategoryStudent, CategoryTest:
		return true
	}
	return false
}

// Registration represents one attendee's registration and payment state
type Registration struct {
	ID        int64               `json:"id" db:"id"`
	ClientRef string              `json:"client_ref" db:"client_ref"`
	EventType reference.EventType `json:"event_type" db:"event_type"`

	// Attendee facts
	FullName         string           `json:"full_name" db:"full_name"`
	Email            string           `json:"email" db:"email"`
	Phone            string           `json:"phone" db:"phone"`
	MembershipNumber *string          `json:"membership_number,omitempty" db:"membership_number"`
	Category         AttendeeCategory `json:"category" db:"category"`
	NICPassport      *string          `json:"nic_passport,omitempty" db:"nic_passport"`

	// Financial facts, fixed at creation
	RegistrationFee float64 `json:"registration_fee" db:"registration_fee"`
	LunchFee        float64 `json:"lunch_fee" db:"lunch_fee"`
	TotalAmount     float64 `json:"total_amount" db:"total_amount"`

	// Payment state
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	PaymentReqID  *string       `json:"payment_reqid,omitempty" db:"payment_reqid"`
	PaymentRefNo  *string       `json:"payment_ref_no,omitempty" db:"payment_ref_no"`
	RawResponse   JSONB         `json:"raw_response,omitempty" db:"raw_response"`

	// Attendance facts, mutated by admin endpoints only
	Attended     bool       `json:"attended" db:"attended"`
	CheckedInAt  *time.Time `json:"checked_in_at,omitempty" db:"checked_in_at"`
	MealReceived bool       `json:"meal_received" db:"meal_received"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsMember reports whether the attendee registered with a membership number.
func (r *Registration) IsMember() bool {
	return r.MembershipNumber != nil && *r.MembershipNumber != ""
}

// MembershipOrNIC returns the identifier used in operator alerts.
func (r *Registration) MembershipOrNIC() string {
	if r.IsMember() {
		return *r.MembershipNumber
	}
	if r.NICPassport != nil {
		return *r.NICPassport
	}
	return "-"
}

// CreateRegistrationRequest is the inbound payload for creating a registration
type CreateRegistrationRequest struct {
	EventType        reference.EventType `json:"event_type" binding:"required"`
	FullName         string              `json:"full_name" binding:"required"`
	Email            string              `json:"email" binding:"required,email"`
	Phone            string              `json:"phone" binding:"required"`
	MembershipNumber *string             `json:"membership_number,omitempty"`
	Category         AttendeeCategory    `json:"category" binding:"required"`
	NICPassport      *string             `json:"nic_passport,omitempty"`
	RegistrationFee  float64             `json:"registration_fee" binding:"required,gt=0"`
	LunchFee         float64             `json:"lunch_fee"`
}

// Validate applies the business rules that gin bindings cannot express.
func (req *CreateRegistrationRequest) Validate() error {
	if !req.EventType.Valid() {
		return fmt.Errorf("unknown event type: %s", req.EventType)
	}
	if !req.Category.Valid() {
		return fmt.Errorf("unknown attendee category: %s", req.Category)
	}
	isMember := req.MembershipNumber != nil && *req.MembershipNumber != ""
	if !isMember && (req.NICPassport == nil || *req.NICPassport == "") {
		return fmt.Errorf("nic_passport is required for non-members")
	}
	if req.LunchFee < 0 {
		return fmt.Errorf("lunch_fee cannot be negative")
	}
	return nil
}

// RegistrationSnapshot is the immutable view of a registration captured at
// notification-enqueue time. Retries deliver from the snapshot, not a live
// re-read, so the delivered content stays internally consistent even if an
// administrator later edits the row.
type RegistrationSnapshot struct {
	RegistrationID   int64
	ClientRef        string
	EventType        reference.EventType
	FullName         string
	Email            string
	MembershipNumber string
	MembershipOrNIC  string // identifier for operator alerts, NIC for non-members
	Category         AttendeeCategory
	TotalAmount      float64
	PaymentRefNo     string
}

// Snapshot captures the notification-relevant fields.
func (r *Registration) Snapshot() RegistrationSnapshot {
	snap := RegistrationSnapshot{
		RegistrationID:  r.ID,
		ClientRef:       r.ClientRef,
		EventType:       r.EventType,
		FullName:        r.FullName,
		Email:           r.Email,
		MembershipOrNIC: r.MembershipOrNIC(),
		Category:        r.Category,
		TotalAmount:     r.TotalAmount,
	}
	if r.MembershipNumber != nil {
		snap.MembershipNumber = *r.MembershipNumber
	}
	if r.PaymentRefNo != nil {
		snap.PaymentRefNo = *r.PaymentRefNo
	}
	return snap
}
