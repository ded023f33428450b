package schemas_test

import (
	"errors"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserpilot/api/schemas"
)

func intp(i int) *int { return &i }

func TestDecodeActionRequest(t *testing.T) {
	valid := []struct {
		name string
		in   string
		want schemas.ActionRequest
	}{
		{"navigate", `{"action":"navigate","params":{"url":"https://example.com/a?b=c"}}`, schemas.Navigate("https://example.com/a?b=c")},
		{"navigate about", `{"action":"navigate","params":{"url":"about:blank"}}`, schemas.Navigate("about:blank")},
		{"click", `{"action":"click","params":{"index":0}}`, schemas.Click(0)},
		{"input_text", `{"action":"input_text","params":{"index":2,"text":"hello"}}`, schemas.InputText(2, "hello")},
		{"input_text clear only", `{"action":"input_text","params":{"index":2,"clear":true}}`,
			schemas.ActionRequest{Action: schemas.ActionInputText, Params: schemas.InputTextParams{Index: intp(2), Clear: true}}},
		{"send_keys", `{"action":"send_keys","params":{"keys":"Control+a"}}`, schemas.SendKeys("Control+a")},
		{"scroll", `{"action":"scroll","params":{"direction":"down","amount":300}}`, schemas.Scroll("down", 300)},
		{"extract", `{"action":"extract","params":{"query":"price"}}`, schemas.Extract("price")},
		{"screenshot without params", `{"action":"screenshot"}`, schemas.Screenshot()},
		{"done", `{"action":"done","params":{"result":"ok"}}`, schemas.Done("ok")},
		{"done null params", `{"action":"done","params":null}`, schemas.ActionRequest{Action: schemas.ActionDone, Params: schemas.DoneParams{}}},
	}
	for _, tc := range valid {
		t.Run(tc.name, func(t *testing.T) {
			got, err := schemas.DecodeActionRequest([]byte(tc.in))
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("decoded request mismatch (-want +got):\n%s", diff)
			}
		})
	}

	invalid := []struct {
		name    string
		in      string
		wantMsg string
	}{
		{"malformed", `{"action":`, "malformed action request"},
		{"missing action", `{"params":{}}`, "action is required"},
		{"unknown action", `{"action":"hover","params":{}}`, "unknown action"},
		{"unknown top-level field", `{"action":"done","extra":1}`, "malformed action request"},
		{"unknown param", `{"action":"click","params":{"index":1,"selector":"#a"}}`, "click params"},
		{"wrong param type", `{"action":"click","params":{"index":"1"}}`, "click params"},
		{"missing index", `{"action":"click","params":{}}`, "index is required"},
		{"negative index", `{"action":"input_text","params":{"index":-1,"text":"x"}}`, "index must not be negative"},
		{"empty text", `{"action":"input_text","params":{"index":1}}`, "text is required"},
		{"empty url", `{"action":"navigate","params":{"url":" "}}`, "url is required"},
		{"relative url", `{"action":"navigate","params":{"url":"/path"}}`, "unsupported scheme"},
		{"url without host", `{"action":"navigate","params":{"url":"https:///x"}}`, "has no host"},
		{"javascript url", `{"action":"navigate","params":{"url":"javascript:alert(1)"}}`, "unsupported scheme"},
		{"bad chord", `{"action":"send_keys","params":{"keys":"Control+Launch"}}`, "unknown key"},
		{"empty keys", `{"action":"send_keys","params":{"keys":""}}`, "keys is required"},
		{"bad direction", `{"action":"scroll","params":{"direction":"left"}}`, "direction must be"},
		{"negative amount", `{"action":"scroll","params":{"direction":"up","amount":-5}}`, "amount must not be negative"},
		{"blank query", `{"action":"extract","params":{"query":""}}`, "query is required"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			_, err := schemas.DecodeActionRequest([]byte(tc.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, schemas.ErrInvalidParameters)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestDecodeActionRequest_KeepsAttemptedAction(t *testing.T) {
	req, err := schemas.DecodeActionRequest([]byte(`{"action":"click","params":{"index":-3}}`))
	require.Error(t, err)
	assert.Equal(t, schemas.ActionClick, req.Action)

	var perr *schemas.ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "index", perr.Field)
}

func TestActionRequest_Validate(t *testing.T) {
	t.Run("params for another action", func(t *testing.T) {
		req := schemas.ActionRequest{Action: schemas.ActionClick, Params: schemas.NavigateParams{URL: "https://example.com"}}
		err := req.Validate()
		assert.ErrorIs(t, err, schemas.ErrInvalidParameters)
		assert.ErrorContains(t, err, "belong to navigate")
	})

	t.Run("missing params", func(t *testing.T) {
		err := schemas.ActionRequest{Action: schemas.ActionScroll}.Validate()
		assert.ErrorContains(t, err, "params are missing")
	})

	t.Run("every constructor validates", func(t *testing.T) {
		for _, req := range []schemas.ActionRequest{
			schemas.Navigate("https://example.com"), schemas.Click(1), schemas.InputText(0, "x"),
			schemas.SendKeys("Enter"), schemas.Scroll("up", 0), schemas.Extract("q"),
			schemas.Screenshot(), schemas.Done(nil),
		} {
			assert.NoError(t, req.Validate(), req.Action)
		}
	})
}

func TestActionRequest_Normalize(t *testing.T) {
	req := schemas.ActionRequest{Action: schemas.ActionClick, Params: &schemas.ClickParams{Index: intp(7)}}
	if diff := cmp.Diff(schemas.Click(7), req.Normalize()); diff != "" {
		t.Errorf("normalized request mismatch (-want +got):\n%s", diff)
	}
	assert.NoError(t, req.Validate())

	var nilParams *schemas.NavigateParams
	req = schemas.ActionRequest{Action: schemas.ActionNavigate, Params: nilParams}
	assert.Nil(t, req.Normalize().Params)
	assert.ErrorContains(t, req.Validate(), "params are missing")

	bad := schemas.ActionRequest{Action: schemas.ActionClick, Params: &schemas.ClickParams{Index: intp(-1)}}
	assert.ErrorIs(t, bad.Validate(), schemas.ErrInvalidParameters)
}

func TestActionRequest_MarshalJSON(t *testing.T) {
	b, err := schemas.Click(3).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"click","params":{"index":3}}`, string(b))

	b, err = schemas.Screenshot().MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"screenshot","params":{}}`, string(b))

	// Decoding the output gives back the same request.
	req := schemas.ActionRequest{Action: schemas.ActionInputText, Params: schemas.InputTextParams{Index: intp(4), Text: "a\"b", Clear: true}}
	b, err = req.MarshalJSON()
	require.NoError(t, err)
	got, err := schemas.DecodeActionRequest(b)
	require.NoError(t, err)
	if diff := cmp.Diff(req, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func FuzzDecodeActionRequest(f *testing.F) {
	f.Add([]byte(`{"action":"click","params":{"index":1}}`))
	f.Add([]byte(`{"action":"navigate","params":{"url":"https://example.com"}}`))
	f.Add([]byte(`{"action":"send_keys","params":{"keys":"Shift+Tab"}}`))
	f.Add([]byte(`{"action":"done","params":{"result":{"a":[1,2]}}}`))
	f.Add([]byte(`{"action":"scroll","params":{"direction":"down","amount":1e9}}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		req, err := schemas.DecodeActionRequest(data)
		if err != nil {
			require.ErrorIs(t, err, schemas.ErrInvalidParameters)
			return
		}
		require.NoError(t, req.Validate())

		wire, err := req.MarshalJSON()
		require.NoError(t, err)
		again, err := schemas.DecodeActionRequest(wire)
		require.NoError(t, err)
		assert.Equal(t, req.Action, again.Action)
	})
}

// FuzzParams_Structured fills parameter records from raw bytes; validation must
// never panic whatever the field values.
func FuzzParams_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)

		var nav schemas.NavigateParams
		var input schemas.InputTextParams
		var scroll schemas.ScrollParams
		var keys schemas.SendKeysParams
		for _, target := range []any{&nav, &input, &scroll, &keys} {
			if err := c.GenerateStruct(target); err != nil {
				return
			}
		}

		for _, p := range []interface{ Validate() error }{nav, input, scroll, keys} {
			if err := p.Validate(); err != nil {
				assert.ErrorIs(t, err, schemas.ErrInvalidParameters)
			}
		}
	})
}
