package domain

import "time"

// TrustStatus is the backend's classification of a login attempt's device.
type TrustStatus string

const (
	TrustStatusApproved     TrustStatus = "approved"
	TrustStatusPending      TrustStatus = "pending"
	TrustStatusUnregistered TrustStatus = "unregistered"
)

// DeviceIdentity is the stable per-profile identity record. It is created
// once on first need and never regenerated while a prior value exists.
type DeviceIdentity struct {
	ID        string    `bson:"device_id" json:"deviceId"`
	Name      string    `bson:"name,omitempty" json:"name,omitempty"`
	Locale    string    `bson:"locale,omitempty" json:"locale,omitempty"`
	Timezone  string    `bson:"timezone,omitempty" json:"timezone,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// DeviceMetadata is the best-effort descriptive payload reported with a
// login attempt. The display name is a hint only; trust decisions key on
// DeviceID alone.
type DeviceMetadata struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	UserAgent  string `json:"userAgent"`
	Locale     string `json:"locale"`
	Timezone   string `json:"timezone"`
	Screen     string `json:"screen,omitempty"`
}

// TrustedDevice is the backend's view of the reported device.
type TrustedDevice struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ConfirmedAt *time.Time `json:"confirmedAt"`
	LastSeenAt  *time.Time `json:"lastSeenAt"`
}

// TrustDecision is the backend's verdict for one login attempt.
// Status approved implies RequiresConfirmation is false.
type TrustDecision struct {
	Status               TrustStatus   `json:"status"`
	RequiresConfirmation bool          `json:"requiresConfirmation"`
	Device               TrustedDevice `json:"device"`
}

// ConfirmationOutcome is the result of redeeming an emailed confirmation
// token. The token is single-use and opaque; only the status matters here.
type ConfirmationOutcome struct {
	Status string `json:"status"`
}
