package cdptest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/browserpilot/internal/browser/shim"
)

// Element is one candidate returned by the fake interactive element scan.
type Element struct {
	Tag        string            `json:"tag"`
	Role       string            `json:"role"`
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Visible    bool              `json:"visible"`
	Enabled    bool              `json:"enabled"`
}

// Button is a visible, enabled button at the given position.
func Button(text string, x, y float64) Element {
	return Element{Tag: "button", Text: text, X: x, Y: y, Width: 80, Height: 24, Visible: true, Enabled: true}
}

// TextInput is a visible, enabled text input at the given position.
func TextInput(name string, x, y float64) Element {
	return Element{
		Tag: "input", Attributes: map[string]string{"type": "text", "name": name},
		X: x, Y: y, Width: 200, Height: 24, Visible: true, Enabled: true,
	}
}

// Document is the state of one loaded page.
type Document struct {
	Title    string
	Elements []Element
	HTML     string
}

// KeyEvent is one recorded Input.dispatchKeyEvent.
type KeyEvent struct {
	Type      string
	Key       string
	Text      string
	Modifiers int64
}

// MouseEvent is one recorded Input.dispatchMouseEvent.
type MouseEvent struct {
	Type   string
	X, Y   float64
	DeltaY float64
}

// Page simulates a single tab. Install registers its handlers on a Browser.
type Page struct {
	mu sync.Mutex

	URL        string
	Document   Document
	ReadyState string
	Width      int
	Height     int

	// Routes maps a URL to the document a navigation to it loads.
	Routes map[string]Document
	// StallLoad keeps navigations from ever firing a load event.
	StallLoad bool
	// NavigateErrorText is returned as Page.navigate's errorText when set.
	NavigateErrorText string
	// EvaluateFault, when set, is consulted before each Runtime.evaluate. A
	// non-nil error is returned in place of the result; ErrNoReply hangs the call.
	EvaluateFault func(expression string) error

	Typed  []string
	Keys   []KeyEvent
	Mouse  []MouseEvent
	loader int
}

// NewPage returns a blank, fully loaded 800x600 page.
func NewPage() *Page {
	return &Page{
		URL:        "about:blank",
		ReadyState: "complete",
		Width:      800,
		Height:     600,
		Routes:     make(map[string]Document),
	}
}

// Install registers the page's handlers on b.
func (p *Page) Install(b *Browser) {
	noop := func(*Call) (any, error) { return nil, nil }
	b.Handle(cdproto.CommandPageEnable, noop)
	b.Handle(cdproto.CommandPageSetLifecycleEventsEnabled, noop)
	b.Handle(cdproto.CommandRuntimeEnable, noop)
	b.Handle(cdproto.CommandEmulationSetDeviceMetricsOverride, noop)
	b.Handle(cdproto.CommandPageNavigate, p.navigate)
	b.Handle(cdproto.CommandPageCaptureScreenshot, p.screenshot)
	b.Handle(cdproto.CommandRuntimeEvaluate, p.evaluate)
	b.Handle(cdproto.CommandInputDispatchMouseEvent, p.mouse)
	b.Handle(cdproto.CommandInputDispatchKeyEvent, p.key)
	b.Handle(cdproto.CommandInputInsertText, p.insertText)
}

// SetDocument replaces the loaded document.
func (p *Page) SetDocument(d Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Document = d
}

// SetReadyState changes document.readyState.
func (p *Page) SetReadyState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadyState = state
}

// TypedText returns everything inserted with Input.insertText.
func (p *Page) TypedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Typed...)
}

// KeyEvents returns the recorded key events.
func (p *Page) KeyEvents() []KeyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]KeyEvent(nil), p.Keys...)
}

// MouseEvents returns the recorded mouse events.
func (p *Page) MouseEvents() []MouseEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]MouseEvent(nil), p.Mouse...)
}

// CurrentURL returns the page URL.
func (p *Page) CurrentURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.URL
}

func (p *Page) navigate(c *Call) (any, error) {
	var params page.NavigateParams
	if err := c.Decode(&params); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.NavigateErrorText != "" {
		text := p.NavigateErrorText
		p.mu.Unlock()
		return page.NavigateReturns{FrameID: "F1", ErrorText: text}, nil
	}
	p.loader++
	loaderID := fmt.Sprintf("L%d", p.loader)
	p.URL = params.URL
	p.Document = p.Routes[params.URL]
	stall := p.StallLoad
	if stall {
		p.ReadyState = "loading"
	} else {
		p.ReadyState = "complete"
	}
	p.mu.Unlock()

	if !stall {
		c.Emit(cdproto.EventPageLoadEventFired, page.EventLoadEventFired{})
	}
	return page.NavigateReturns{FrameID: "F1", LoaderID: cdp.LoaderID(loaderID)}, nil
}

func (p *Page) screenshot(*Call) (any, error) {
	p.mu.Lock()
	w, h := p.Width, p.Height
	p.mu.Unlock()
	data, err := BlankPNG(w, h)
	if err != nil {
		return nil, err
	}
	return page.CaptureScreenshotReturns{Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func (p *Page) evaluate(c *Call) (any, error) {
	var params runtime.EvaluateParams
	if err := c.Decode(&params); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.EvaluateFault != nil {
		if err := p.EvaluateFault(params.Expression); err != nil {
			return nil, err
		}
	}

	var value any
	switch {
	case params.Expression == shim.ReadyState:
		value = p.ReadyState
	case params.Expression == shim.DocumentHTML:
		value = p.Document.HTML
	case shim.IsScan(params.Expression):
		elements := p.Document.Elements
		if elements == nil {
			elements = []Element{}
		}
		value = map[string]any{
			"url":        p.URL,
			"title":      p.Document.Title,
			"readyState": p.ReadyState,
			"viewport":   map[string]int{"width": p.Width, "height": p.Height},
			"candidates": elements,
		}
	default:
		return nil, &cdproto.Error{Code: -32000, Message: "cdptest: unsupported expression"}
	}
	return remoteValue(value)
}

func (p *Page) mouse(c *Call) (any, error) {
	var params input.DispatchMouseEventParams
	if err := c.Decode(&params); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Mouse = append(p.Mouse, MouseEvent{Type: params.Type.String(), X: params.X, Y: params.Y, DeltaY: params.DeltaY})
	return nil, nil
}

func (p *Page) key(c *Call) (any, error) {
	var params input.DispatchKeyEventParams
	if err := c.Decode(&params); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Keys = append(p.Keys, KeyEvent{Type: params.Type.String(), Key: params.Key, Text: params.Text, Modifiers: int64(params.Modifiers)})
	return nil, nil
}

func (p *Page) insertText(c *Call) (any, error) {
	var params input.InsertTextParams
	if err := c.Decode(&params); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Typed = append(p.Typed, params.Text)
	return nil, nil
}

// evaluateReply mirrors Runtime.evaluate's wire result. cdproto's RemoteObject
// omits an empty value, but the browser always sends one for strings, arrays
// and objects returned by value.
type evaluateReply struct {
	Result remoteObject `json:"result"`
}

type remoteObject struct {
	Type  string         `json:"type"`
	Value jsontext.Value `json:"value"`
}

func remoteValue(v any) (any, error) {
	raw, err := jsonv2.Marshal(v, chromedp.DefaultMarshalOptions)
	if err != nil {
		return nil, err
	}
	typ := runtime.TypeObject
	if _, ok := v.(string); ok {
		typ = runtime.TypeString
	}
	return evaluateReply{Result: remoteObject{Type: typ.String(), Value: jsontext.Value(raw)}}, nil
}

// BlankPNG encodes a white w x h image.
func BlankPNG(w, h int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
