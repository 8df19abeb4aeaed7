package schema

// Catalog is the authored workflow input: every service a visitor can pick.
// It is produced by the form builder and treated as read-only here.
type Catalog struct {
	Services []Service `json:"services"`
}

// Service is a named entry point bound to exactly one step sequence.
type Service struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	// PayloadTransform is an optional jq program applied to the submission payload
	// before it reaches external webhooks.
	PayloadTransform string `json:"payload_transform,omitempty"`
}

// Service returns the service with the given title.
func (c *Catalog) Service(title string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].Title == title {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// Titles lists service titles in authored order.
func (c *Catalog) Titles() []string {
	titles := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		titles = append(titles, s.Title)
	}
	return titles
}

// WorkflowStep is one node in a service's step sequence.
type WorkflowStep struct {
	ID          string   `json:"id"`
	Type        StepType `json:"type"`
	Question    string   `json:"question,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Required    bool     `json:"required,omitempty"`

	// text, address
	MinLength int `json:"min_length,omitempty"`
	MaxLength int `json:"max_length,omitempty"` // 0 = unbounded

	// number
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`

	// date (YYYY-MM-DD)
	MinDate string `json:"min_date,omitempty"`
	MaxDate string `json:"max_date,omitempty"`

	// file
	AcceptedTypes []string `json:"accepted_types,omitempty"` // "application/pdf", "image/*", ".docx"
	MaxSize       int64    `json:"max_size,omitempty"`       // bytes, 0 = unbounded

	// multiple_choice
	Options  []string `json:"options,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`

	// payment
	Amount   int64  `json:"amount,omitempty"` // minor units
	Currency string `json:"currency,omitempty"`

	// phone
	DefaultCountryCode string `json:"default_country_code,omitempty"`

	// end_screen, external_browser
	Message     string `json:"message,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`

	// Condition is a CEL expression over `answers`; the step is skipped when false.
	Condition string `json:"condition,omitempty"`
	// Rule is an expr expression over `value` and `answers` checked after the
	// built-in validator accepts the answer.
	Rule        string `json:"rule,omitempty"`
	RuleMessage string `json:"rule_message,omitempty"`
}

// StepType enumerates the closed set of step kinds.
type StepType string

const (
	StepText            StepType = "text"
	StepNumber          StepType = "number"
	StepEmail           StepType = "email"
	StepPhone           StepType = "phone"
	StepAddress         StepType = "address"
	StepWebsite         StepType = "website"
	StepDate            StepType = "date"
	StepFile            StepType = "file"
	StepMultipleChoice  StepType = "multiple_choice"
	StepPayment         StepType = "payment"
	StepEndScreen       StepType = "end_screen"
	StepExternalBrowser StepType = "external_browser"
)

// StepTypes lists every step type in declaration order.
var StepTypes = []StepType{
	StepText, StepNumber, StepEmail, StepPhone, StepAddress, StepWebsite, StepDate,
	StepFile, StepMultipleChoice, StepPayment, StepEndScreen, StepExternalBrowser,
}

// IsTerminal reports whether the step ends the conversation.
func (t StepType) IsTerminal() bool {
	return t == StepEndScreen || t == StepExternalBrowser
}

// Valid reports whether t belongs to the closed set.
func (t StepType) Valid() bool {
	for _, st := range StepTypes {
		if st == t {
			return true
		}
	}
	return false
}
