package engine

import (
	"context"
	"strings"

	"github.com/rendis/intake/internal/expressions"
	"github.com/rendis/intake/pkg/schema"
)

// ViewKind identifies which screen the client should draw.
type ViewKind string

const (
	ViewServicePicker ViewKind = "service_picker"
	ViewStep          ViewKind = "step"
	ViewSubmitting    ViewKind = "submitting"
	ViewTerminal      ViewKind = "terminal"
)

// Affordance is the input widget a step is drawn with.
type Affordance string

const (
	AffordanceTextInput    Affordance = "text_input"
	AffordanceNumberInput  Affordance = "number_input"
	AffordanceEmailInput   Affordance = "email_input"
	AffordancePhoneInput   Affordance = "phone_input"
	AffordanceAddressInput Affordance = "address_input"
	AffordanceURLInput     Affordance = "url_input"
	AffordanceDatePicker   Affordance = "date_picker"
	AffordanceFilePicker   Affordance = "file_picker"
	AffordanceChoiceList   Affordance = "choice_list"
	AffordancePaymentPanel Affordance = "payment_panel"
	AffordanceEndScreen    Affordance = "end_screen"
	AffordanceRedirect     Affordance = "redirect"
)

// DefaultCompletionMessage is shown when a flow ends without an authored terminal step.
const DefaultCompletionMessage = "Thank you! Your inquiry has been submitted."

// View is the renderable description of a session's current state.
type View struct {
	Kind      ViewKind        `json:"kind"`
	SessionID string          `json:"session_id"`
	Service   string          `json:"service,omitempty"`
	Services  []ServiceOption `json:"services,omitempty"`
	Step      *StepView       `json:"step,omitempty"`
	Terminal  *TerminalView   `json:"terminal,omitempty"`
	Error     *ViewError      `json:"error,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	CanGoBack bool            `json:"can_go_back"`
	// Busy is set while a submission or payment call is outstanding; inputs are disabled.
	Busy bool `json:"busy"`
}

// ServiceOption is one entry of the service picker.
type ServiceOption struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// StepView describes one input step.
type StepView struct {
	ID          string          `json:"id"`
	Type        schema.StepType `json:"type"`
	Affordance  Affordance      `json:"affordance"`
	Question    string          `json:"question"`
	Placeholder string          `json:"placeholder,omitempty"`
	Required    bool            `json:"required"`
	// Value is the committed answer, shown when the visitor returns to the step.
	Value       any            `json:"value,omitempty"`
	Answered    bool           `json:"answered"`
	Options     []string       `json:"options,omitempty"`
	Multiple    bool           `json:"multiple,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
	Payment     *PaymentView   `json:"payment,omitempty"`
}

// PaymentView is the payment panel of a payment step.
type PaymentView struct {
	State          schema.PaymentState `json:"state"`
	Amount         int64               `json:"amount"`
	Currency       string              `json:"currency"`
	Display        string              `json:"display"`
	IntentID       string              `json:"intent_id,omitempty"`
	ClientSecret   string              `json:"client_secret,omitempty"`
	PublishableKey string              `json:"publishable_key,omitempty"`
	RedirectURL    string              `json:"redirect_url,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Pending        bool                `json:"pending"`
	CanPay         bool                `json:"can_pay"`
	CanRetry       bool                `json:"can_retry"`
}

// TerminalView is the end of a flow. Implicit is set when no terminal step was authored.
type TerminalView struct {
	StepID      string          `json:"step_id,omitempty"`
	Type        schema.StepType `json:"type,omitempty"`
	Affordance  Affordance      `json:"affordance"`
	Message     string          `json:"message"`
	RedirectURL string          `json:"redirect_url,omitempty"`
	Implicit    bool            `json:"implicit,omitempty"`
}

// ViewError is the inline message under the current step.
type ViewError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Progress counts visible answer-bearing steps; Current is 1-based.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// RenderInput is the session context a step is rendered in.
type RenderInput struct {
	Service string
	Answers schema.AnswerMap
	Flow    *PaymentFlow
}

type stepRenderer func(step *schema.WorkflowStep, v *StepView, in RenderInput)

var stepRenderers = map[schema.StepType]stepRenderer{
	schema.StepText:           renderText(AffordanceTextInput),
	schema.StepAddress:        renderText(AffordanceAddressInput),
	schema.StepNumber:         renderNumber,
	schema.StepEmail:          renderPlain(AffordanceEmailInput),
	schema.StepWebsite:        renderPlain(AffordanceURLInput),
	schema.StepPhone:          renderPhone,
	schema.StepDate:           renderDate,
	schema.StepFile:           renderFile,
	schema.StepMultipleChoice: renderChoice,
	schema.StepPayment:        renderPayment,
}

// RenderStep describes an input step. Question text may reference earlier
// answers with ${{answers.step_id}} placeholders.
func RenderStep(step *schema.WorkflowStep, in RenderInput) *StepView {
	v := &StepView{
		ID:          step.ID,
		Type:        step.Type,
		Question:    expressions.Interpolate(step.Question, in.Service, in.Answers),
		Placeholder: step.Placeholder,
		Required:    step.Required,
	}
	if val, ok := in.Answers[step.ID]; ok {
		v.Value = val
		v.Answered = true
	}
	if r, ok := stepRenderers[step.Type]; ok {
		r(step, v, in)
	} else {
		v.Affordance = AffordanceTextInput
	}
	return v
}

// RenderTerminal describes the end of a flow. A nil step yields the default completion view.
func RenderTerminal(step *schema.WorkflowStep, service string, answers schema.AnswerMap) *TerminalView {
	if step == nil {
		return &TerminalView{Affordance: AffordanceEndScreen, Message: DefaultCompletionMessage, Implicit: true}
	}
	t := &TerminalView{
		StepID:     step.ID,
		Type:       step.Type,
		Affordance: AffordanceEndScreen,
		Message:    expressions.Interpolate(step.Message, service, answers),
	}
	if t.Message == "" {
		t.Message = expressions.Interpolate(step.Question, service, answers)
	}
	if t.Message == "" {
		t.Message = DefaultCompletionMessage
	}
	if step.Type == schema.StepExternalBrowser {
		t.Affordance = AffordanceRedirect
		t.RedirectURL = expressions.InterpolateURL(step.RedirectURL, service, answers)
	}
	return t
}

func renderPlain(a Affordance) stepRenderer {
	return func(_ *schema.WorkflowStep, v *StepView, _ RenderInput) {
		v.Affordance = a
	}
}

func renderText(a Affordance) stepRenderer {
	return func(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
		v.Affordance = a
		setConstraint(v, "min_length", step.MinLength, step.MinLength > 0)
		setConstraint(v, "max_length", step.MaxLength, step.MaxLength > 0)
	}
}

func renderNumber(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
	v.Affordance = AffordanceNumberInput
	if step.Min != nil {
		setConstraint(v, "min", *step.Min, true)
	}
	if step.Max != nil {
		setConstraint(v, "max", *step.Max, true)
	}
}

func renderPhone(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
	v.Affordance = AffordancePhoneInput
	setConstraint(v, "default_country_code", step.DefaultCountryCode, step.DefaultCountryCode != "")
}

func renderDate(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
	v.Affordance = AffordanceDatePicker
	setConstraint(v, "min_date", step.MinDate, step.MinDate != "")
	setConstraint(v, "max_date", step.MaxDate, step.MaxDate != "")
}

func renderFile(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
	v.Affordance = AffordanceFilePicker
	setConstraint(v, "accepted_types", step.AcceptedTypes, len(step.AcceptedTypes) > 0)
	setConstraint(v, "max_size", step.MaxSize, step.MaxSize > 0)
}

func renderChoice(step *schema.WorkflowStep, v *StepView, _ RenderInput) {
	v.Affordance = AffordanceChoiceList
	v.Options = append([]string(nil), step.Options...)
	v.Multiple = step.Multiple
}

func renderPayment(step *schema.WorkflowStep, v *StepView, in RenderInput) {
	v.Affordance = AffordancePaymentPanel
	p := &PaymentView{
		State:    schema.PaymentQuote,
		Amount:   step.Amount,
		Currency: strings.ToLower(step.Currency),
		Display:  formatAmount(step.Amount, step.Currency),
		CanPay:   true,
	}
	if f := in.Flow; f != nil {
		p.State = f.State
		p.Reason = f.Reason
		p.RedirectURL = f.RedirectURL
		if f.Intent != nil {
			p.IntentID = f.Intent.ID
		}
		p.Pending = f.IntentPending || f.ConfirmPending
		if f.Intent != nil && f.State != schema.PaymentSucceeded {
			p.ClientSecret = f.Intent.ClientSecret
			p.PublishableKey = f.Intent.PublishableKey
		}
		p.CanPay = !p.Pending && (f.State == schema.PaymentQuote || f.State == schema.PaymentCollectingMethod)
		p.CanRetry = f.State == schema.PaymentFailed
	}
	v.Payment = p
}

func setConstraint(v *StepView, key string, val any, ok bool) {
	if !ok {
		return
	}
	if v.Constraints == nil {
		v.Constraints = map[string]any{}
	}
	v.Constraints[key] = val
}

// render builds the View for the session. Callers hold the session lock.
func (e *Engine) render(ctx context.Context, s *Session) View {
	v := View{SessionID: s.id, Service: s.serviceTitle()}

	switch s.state {
	case schema.SessionIdle:
		v.Kind = ViewServicePicker
		v.Services = e.Services()
		return v

	case schema.SessionTerminal:
		v.Kind = ViewTerminal
		v.Terminal = RenderTerminal(s.terminalStep, s.service.Title, s.answers)
		return v
	}

	step := s.currentStep()
	if step == nil {
		v.Kind = ViewServicePicker
		v.Services = e.Services()
		return v
	}

	v.Kind = ViewStep
	if s.state == schema.SessionSubmitting {
		v.Kind = ViewSubmitting
		v.Busy = true
	}

	if step.Type.IsTerminal() {
		v.Terminal = RenderTerminal(step, s.service.Title, s.answers)
	} else {
		v.Step = RenderStep(step, RenderInput{
			Service: s.service.Title,
			Answers: s.answers,
			Flow:    s.payments[step.ID],
		})
		if p := v.Step.Payment; p != nil && p.Pending {
			v.Busy = true
		}
	}

	inputs := e.visibleInputs(ctx, s.service, s.answers)
	v.Progress = &Progress{Total: len(inputs)}
	for n, i := range inputs {
		if i <= s.index {
			v.Progress.Current = n + 1
		}
	}
	v.CanGoBack = s.state == schema.SessionInStep

	switch {
	case s.lastError != nil:
		v.Error = &ViewError{Code: s.lastError.Code, Message: s.lastError.Message, Retryable: s.lastError.IsRetryable()}
	case s.lastReject != nil && s.lastReject.StepID == step.ID:
		v.Error = &ViewError{Code: s.lastReject.Code, Message: s.lastReject.Reason, Retryable: true}
	}
	return v
}
