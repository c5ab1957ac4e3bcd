package models

// Principal is the verified identity returned by the external credential
// verifier. Only the id and email are trusted; role membership is checked
// in a separate call.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}
