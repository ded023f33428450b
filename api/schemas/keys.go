package schemas

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// KeyModifier is the CDP Input.dispatchKeyEvent modifier bitfield.
type KeyModifier int64

const (
	ModNone  KeyModifier = 0
	ModAlt   KeyModifier = 1
	ModCtrl  KeyModifier = 2
	ModMeta  KeyModifier = 4
	ModShift KeyModifier = 8
)

// modifierNames maps the chord spellings accepted by send_keys to their bit.
var modifierNames = map[string]KeyModifier{
	"alt":     ModAlt,
	"option":  ModAlt,
	"control": ModCtrl,
	"ctrl":    ModCtrl,
	"meta":    ModMeta,
	"cmd":     ModMeta,
	"command": ModMeta,
	"shift":   ModShift,
}

// ParseModifier resolves a chord component such as "Control" or "Shift".
func ParseModifier(name string) (KeyModifier, bool) {
	m, ok := modifierNames[strings.ToLower(name)]
	return m, ok
}

// NamedKeys are the non-printing keys send_keys understands by name.
var NamedKeys = []string{
	"Enter", "Tab", "Escape", "Backspace", "Delete", "Space",
	"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
	"Home", "End", "PageUp", "PageDown",
}

var namedKeyIndex = func() map[string]string {
	m := make(map[string]string, len(NamedKeys)+2)
	for _, k := range NamedKeys {
		m[strings.ToLower(k)] = k
	}
	m["return"] = "Enter"
	m["esc"] = "Escape"
	return m
}()

func canonicalKey(name string) (string, bool) {
	k, ok := namedKeyIndex[strings.ToLower(name)]
	return k, ok
}

// KeyStroke is one parsed element of a send_keys sequence: a key name or a
// single character, plus any held modifiers.
type KeyStroke struct {
	// Key is either a named key ("Enter", "ArrowDown") or a single character.
	Key       string
	Modifiers KeyModifier
}

// Named reports whether the stroke is a named key rather than a character.
func (k KeyStroke) Named() bool {
	_, ok := namedKeyIndex[strings.ToLower(k.Key)]
	return ok && utf8.RuneCountInString(k.Key) > 1
}

// ParseKeys splits a send_keys argument into strokes. A named key ("Enter")
// gives one stroke. A chord ("Control+Shift+k") gives one stroke with modifiers;
// it is only recognised when every component before the last is a modifier.
// Anything else is literal text, one stroke per character.
func ParseKeys(keys string) ([]KeyStroke, error) {
	if keys == "" {
		return nil, fmt.Errorf("no keys given")
	}
	if name, ok := canonicalKey(keys); ok {
		return []KeyStroke{{Key: name}}, nil
	}

	if parts := strings.Split(keys, "+"); len(parts) > 1 {
		var mods KeyModifier
		chord := true
		for _, p := range parts[:len(parts)-1] {
			m, ok := ParseModifier(strings.TrimSpace(p))
			if !ok {
				chord = false
				break
			}
			mods |= m
		}
		if chord {
			last := strings.TrimSpace(parts[len(parts)-1])
			switch {
			case last == "":
				return nil, fmt.Errorf("chord %q has no key", keys)
			case utf8.RuneCountInString(last) == 1:
				return []KeyStroke{{Key: last, Modifiers: mods}}, nil
			}
			name, ok := canonicalKey(last)
			if !ok {
				return nil, fmt.Errorf("unknown key %q in chord %q", last, keys)
			}
			return []KeyStroke{{Key: name, Modifiers: mods}}, nil
		}
	}

	strokes := make([]KeyStroke, 0, utf8.RuneCountInString(keys))
	for _, r := range keys {
		strokes = append(strokes, KeyStroke{Key: string(r)})
	}
	return strokes, nil
}
