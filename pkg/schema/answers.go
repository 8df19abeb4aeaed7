package schema

import "time"

// AnswerMap maps a step ID to its committed value. Membership means "answered".
type AnswerMap map[string]any

// Clone returns a shallow copy safe to hand to collaborators.
func (a AnswerMap) Clone() AnswerMap {
	out := make(AnswerMap, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Has reports whether stepID has been answered.
func (a AnswerMap) Has(stepID string) bool {
	_, ok := a[stepID]
	return ok
}

// FileReferenceType is the discriminator stored in FileReference.Type.
const FileReferenceType = "file_reference"

// FileReference replaces a raw upload in the answer map.
type FileReference struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	URLOrID  string `json:"url_or_id"`
	MIMEType string `json:"mime_type,omitempty"`
}

// FileUpload is a raw file presented for a file step before storage.
type FileUpload struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	Data     []byte `json:"-"`
}

// PaymentConfirmation is the committed answer of a payment step.
type PaymentConfirmation struct {
	Token    string `json:"token"`
	IntentID string `json:"intent_id,omitempty"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// PayloadServiceKey is the reserved payload key carrying the service title.
const PayloadServiceKey = "service"

// Submission is the frozen answer set handed to the submission bridge.
// Payload holds one key per answered visible step plus PayloadServiceKey.
type Submission struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Service   string         `json:"service"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
