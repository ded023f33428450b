// internal/browser/shim/shim.go
package shim

import (
	_ "embed"
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

const (
	// ConfigPlaceholder is the string replaced in the scan template with the JSON configuration.
	ConfigPlaceholder = "/*{{SCAN_CONFIG}}*/"

	// ReadyState reports document.readyState.
	ReadyState = `document.readyState`

	// DocumentHTML serializes the whole document.
	DocumentHTML = `document.documentElement ? document.documentElement.outerHTML : ""`
)

//go:embed scan.js
var scanTemplate string

// ScanConfig bounds what the interactive element scan returns.
type ScanConfig struct {
	MaxElements  int `json:"maxElements"`
	MaxTextChars int `json:"maxTextChars"`
	MaxAttrChars int `json:"maxAttrChars"`
}

// DefaultScanConfig is used when the observer is not given explicit limits.
var DefaultScanConfig = ScanConfig{MaxElements: 500, MaxTextChars: 120, MaxAttrChars: 200}

// BuildScanScript returns the embedded interactive element scan with cfg injected.
func BuildScanScript(cfg ScanConfig) (string, error) {
	return buildScript(scanTemplate, cfg)
}

func buildScript(template string, cfg ScanConfig) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, ConfigPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	if cfg.MaxElements <= 0 {
		cfg.MaxElements = DefaultScanConfig.MaxElements
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = DefaultScanConfig.MaxTextChars
	}
	if cfg.MaxAttrChars <= 0 {
		cfg.MaxAttrChars = DefaultScanConfig.MaxAttrChars
	}
	configJSON, err := json.ConfigCompatibleWithStandardLibrary.MarshalToString(cfg)
	if err != nil {
		return "", fmt.Errorf("encode scan config: %w", err)
	}
	return strings.Replace(template, ConfigPlaceholder, configJSON, 1), nil
}

// IsScan reports whether expression is a scan built by BuildScanScript.
// Fakes standing in for a browser use it to recognise the call.
func IsScan(expression string) bool {
	head, _, ok := strings.Cut(scanTemplate, ConfigPlaceholder)
	return ok && strings.HasPrefix(expression, head)
}
