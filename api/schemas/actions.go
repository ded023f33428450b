package schemas

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	json "github.com/json-iterator/go"
)

// ActionType names one variant of the closed action set.
type ActionType string

const (
	ActionNavigate   ActionType = "navigate"
	ActionClick      ActionType = "click"
	ActionInputText  ActionType = "input_text"
	ActionSendKeys   ActionType = "send_keys"
	ActionScroll     ActionType = "scroll"
	ActionExtract    ActionType = "extract"
	ActionScreenshot ActionType = "screenshot"
	ActionDone       ActionType = "done"
)

func (a ActionType) String() string { return string(a) }

// AllActions lists every supported action in a stable order.
var AllActions = []ActionType{
	ActionNavigate, ActionClick, ActionInputText, ActionSendKeys,
	ActionScroll, ActionExtract, ActionScreenshot, ActionDone,
}

// ErrInvalidParameters is the root of every request validation failure.
var ErrInvalidParameters = errors.New("invalid parameters")

// ParameterError describes a single schema violation in an ActionRequest.
type ParameterError struct {
	Action ActionType
	Field  string
	Reason string
}

func (e *ParameterError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s request: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("invalid %s request: %s %s", e.Action, e.Field, e.Reason)
}

func (e *ParameterError) Unwrap() error { return ErrInvalidParameters }

func paramErr(action ActionType, field, reason string) error {
	return &ParameterError{Action: action, Field: field, Reason: reason}
}

// ActionParams is the parameter record carried by one action variant.
// Only the types in this file implement it.
type ActionParams interface {
	Action() ActionType
	Validate() error
}

// NavigateParams loads a new document in the current tab.
type NavigateParams struct {
	URL string `json:"url"`
}

func (NavigateParams) Action() ActionType { return ActionNavigate }

func (p NavigateParams) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return paramErr(ActionNavigate, "url", "is required")
	}
	u, err := url.Parse(p.URL)
	if err != nil {
		return paramErr(ActionNavigate, "url", "is not a valid URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return paramErr(ActionNavigate, "url", "has no host")
		}
	case "about", "data", "file":
	default:
		return paramErr(ActionNavigate, "url", fmt.Sprintf("has unsupported scheme %q", u.Scheme))
	}
	return nil
}

// ClickParams clicks the center of an element from the current snapshot.
type ClickParams struct {
	Index *int `json:"index"`
}

func (ClickParams) Action() ActionType { return ActionClick }

func (p ClickParams) Validate() error {
	return validateIndex(ActionClick, p.Index)
}

// InputTextParams focuses an element and types text into it.
type InputTextParams struct {
	Index *int   `json:"index"`
	Text  string `json:"text"`
	// Clear selects and deletes the existing value before typing.
	Clear bool `json:"clear,omitempty"`
}

func (InputTextParams) Action() ActionType { return ActionInputText }

func (p InputTextParams) Validate() error {
	if err := validateIndex(ActionInputText, p.Index); err != nil {
		return err
	}
	if p.Text == "" && !p.Clear {
		return paramErr(ActionInputText, "text", "is required unless clear is set")
	}
	return nil
}

// SendKeysParams dispatches keystrokes to the focused element. Keys is either
// a named key ("Enter", "Escape"), a chord ("Control+a"), or literal text.
type SendKeysParams struct {
	Keys string `json:"keys"`
}

func (SendKeysParams) Action() ActionType { return ActionSendKeys }

func (p SendKeysParams) Validate() error {
	if p.Keys == "" {
		return paramErr(ActionSendKeys, "keys", "is required")
	}
	if _, err := ParseKeys(p.Keys); err != nil {
		return paramErr(ActionSendKeys, "keys", err.Error())
	}
	return nil
}

// Scroll directions.
const (
	ScrollUp   = "up"
	ScrollDown = "down"
)

// ScrollParams scrolls the page. Amount is in CSS pixels; zero means one viewport height.
type ScrollParams struct {
	Direction string `json:"direction"`
	Amount    int    `json:"amount,omitempty"`
}

func (ScrollParams) Action() ActionType { return ActionScroll }

func (p ScrollParams) Validate() error {
	switch p.Direction {
	case ScrollUp, ScrollDown:
	case "":
		return paramErr(ActionScroll, "direction", "is required")
	default:
		return paramErr(ActionScroll, "direction", fmt.Sprintf("must be %q or %q", ScrollUp, ScrollDown))
	}
	if p.Amount < 0 {
		return paramErr(ActionScroll, "amount", "must not be negative")
	}
	return nil
}

// ExtractParams asks the decision-maker to answer Query from the page's visible text.
type ExtractParams struct {
	Query string `json:"query"`
}

func (ExtractParams) Action() ActionType { return ActionExtract }

func (p ExtractParams) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return paramErr(ActionExtract, "query", "is required")
	}
	return nil
}

// ScreenshotParams takes no parameters.
type ScreenshotParams struct{}

func (ScreenshotParams) Action() ActionType { return ActionScreenshot }
func (ScreenshotParams) Validate() error    { return nil }

// DoneParams ends a run. Result is handed back untouched in the ActionResult payload.
type DoneParams struct {
	Result any `json:"result,omitempty"`
	// Success is the decision-maker's verdict on the task, if it gave one.
	Success *bool `json:"success,omitempty"`
}

func (DoneParams) Action() ActionType { return ActionDone }
func (DoneParams) Validate() error    { return nil }

func validateIndex(action ActionType, index *int) error {
	if index == nil {
		return paramErr(action, "index", "is required")
	}
	if *index < 0 {
		return paramErr(action, "index", "must not be negative")
	}
	return nil
}

// ActionRequest is one action chosen by the decision-maker. Params always
// holds the record type matching Action once the request has been validated.
type ActionRequest struct {
	Action ActionType
	Params ActionParams
}

// Normalize returns r with pointer parameter records replaced by the values
// they point to. A nil record pointer becomes missing params.
func (r ActionRequest) Normalize() ActionRequest {
	switch p := r.Params.(type) {
	case *NavigateParams:
		r.Params = deref(p)
	case *ClickParams:
		r.Params = deref(p)
	case *InputTextParams:
		r.Params = deref(p)
	case *SendKeysParams:
		r.Params = deref(p)
	case *ScrollParams:
		r.Params = deref(p)
	case *ExtractParams:
		r.Params = deref(p)
	case *ScreenshotParams:
		r.Params = deref(p)
	case *DoneParams:
		r.Params = deref(p)
	}
	return r
}

func deref[T ActionParams](p *T) ActionParams {
	if p == nil {
		return nil
	}
	return *p
}

// Validate checks the request against its action's parameter schema. Pointer
// records are checked as the values they point to.
func (r ActionRequest) Validate() error {
	r = r.Normalize()
	if r.Action == "" {
		return paramErr(r.Action, "action", "is required")
	}
	if !r.Action.known() {
		return paramErr(r.Action, "", "unknown action")
	}
	if r.Params == nil {
		return paramErr(r.Action, "params", "are missing")
	}
	if r.Params.Action() != r.Action {
		return paramErr(r.Action, "params", fmt.Sprintf("belong to %s", r.Params.Action()))
	}
	return r.Params.Validate()
}

func (a ActionType) known() bool {
	for _, k := range AllActions {
		if a == k {
			return true
		}
	}
	return false
}

// -- Constructors --

func Navigate(rawURL string) ActionRequest {
	return ActionRequest{Action: ActionNavigate, Params: NavigateParams{URL: rawURL}}
}

func Click(index int) ActionRequest {
	return ActionRequest{Action: ActionClick, Params: ClickParams{Index: &index}}
}

func InputText(index int, text string) ActionRequest {
	return ActionRequest{Action: ActionInputText, Params: InputTextParams{Index: &index, Text: text}}
}

func SendKeys(keys string) ActionRequest {
	return ActionRequest{Action: ActionSendKeys, Params: SendKeysParams{Keys: keys}}
}

func Scroll(direction string, amount int) ActionRequest {
	return ActionRequest{Action: ActionScroll, Params: ScrollParams{Direction: direction, Amount: amount}}
}

func Extract(query string) ActionRequest {
	return ActionRequest{Action: ActionExtract, Params: ExtractParams{Query: query}}
}

func Screenshot() ActionRequest {
	return ActionRequest{Action: ActionScreenshot, Params: ScreenshotParams{}}
}

func Done(result any) ActionRequest {
	return ActionRequest{Action: ActionDone, Params: DoneParams{Result: result}}
}

// -- Wire format --

// strictJSON rejects parameter names that are not part of an action's schema.
var strictJSON = json.Config{
	EscapeHTML:             true,
	ValidateJsonRawMessage: true,
	DisallowUnknownFields:  true,
}.Froze()

type wireActionRequest struct {
	Action ActionType      `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// DecodeActionRequest parses the decision-maker's `{"action": ..., "params": {...}}`
// shape and validates it. On failure the returned request still carries whatever
// was decoded, so the caller can report which action was attempted; every error
// wraps ErrInvalidParameters.
func DecodeActionRequest(data []byte) (ActionRequest, error) {
	var req ActionRequest
	if err := req.UnmarshalJSON(data); err != nil {
		return req, err
	}
	return req, req.Validate()
}

// UnmarshalJSON decodes the wire shape without running schema validation.
func (r *ActionRequest) UnmarshalJSON(data []byte) error {
	var wire wireActionRequest
	if err := strictJSON.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: malformed action request: %v", ErrInvalidParameters, err)
	}
	r.Action = wire.Action

	var (
		params ActionParams
		err    error
	)
	switch wire.Action {
	case ActionNavigate:
		params, err = decodeParams[NavigateParams](wire.Params)
	case ActionClick:
		params, err = decodeParams[ClickParams](wire.Params)
	case ActionInputText:
		params, err = decodeParams[InputTextParams](wire.Params)
	case ActionSendKeys:
		params, err = decodeParams[SendKeysParams](wire.Params)
	case ActionScroll:
		params, err = decodeParams[ScrollParams](wire.Params)
	case ActionExtract:
		params, err = decodeParams[ExtractParams](wire.Params)
	case ActionScreenshot:
		params, err = decodeParams[ScreenshotParams](wire.Params)
	case ActionDone:
		params, err = decodeParams[DoneParams](wire.Params)
	case "":
		return paramErr(wire.Action, "action", "is required")
	default:
		return paramErr(wire.Action, "", "unknown action")
	}
	if err != nil {
		return fmt.Errorf("%w: %s params: %v", ErrInvalidParameters, wire.Action, err)
	}
	r.Params = params
	return nil
}

func decodeParams[P ActionParams](raw json.RawMessage) (ActionParams, error) {
	var p P
	if len(raw) > 0 && string(raw) != "null" {
		if err := strictJSON.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// MarshalJSON emits the same shape DecodeActionRequest accepts.
func (r ActionRequest) MarshalJSON() ([]byte, error) {
	wire := struct {
		Action ActionType   `json:"action"`
		Params ActionParams `json:"params,omitempty"`
	}{Action: r.Action, Params: r.Params}
	return json.ConfigCompatibleWithStandardLibrary.Marshal(wire)
}
