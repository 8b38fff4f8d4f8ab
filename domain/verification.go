package domain

// VerificationHandoff is the serializable payload passed from the login
// flow to the verification screen. It carries everything the screen needs
// so it can be constructed directly in tests, with no ambient shared state.
type VerificationHandoff struct {
	DeviceID    string `json:"deviceId"`
	Destination string `json:"destination"`
	Notice      string `json:"notice,omitempty"`
}
