// internal/browser/session/discover.go
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	jsonv2 "github.com/go-json-experiment/json"
)

// Target is one entry of the DevTools HTTP endpoint's /json/list.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Discover resolves an http://host:port DevTools address to the first page
// target. When the browser has no page open, a blank one is created.
func Discover(ctx context.Context, client *http.Client, endpoint string) (Target, error) {
	base := strings.TrimRight(endpoint, "/")

	var targets []Target
	if err := getJSON(ctx, client, http.MethodGet, base+"/json/list", &targets); err != nil {
		return Target{}, &ConnectionError{Op: "discover", Endpoint: endpoint, Err: err}
	}
	for _, t := range targets {
		if t.Type == "page" && t.WebSocketDebuggerURL != "" {
			return t, nil
		}
	}

	// Chrome only accepts PUT on /json/new since M111.
	var created Target
	if err := getJSON(ctx, client, http.MethodPut, base+"/json/new?"+url.QueryEscape("about:blank"), &created); err != nil {
		return Target{}, &ConnectionError{Op: "discover", Endpoint: endpoint, Err: fmt.Errorf("no page target and creating one failed: %w", err)}
	}
	if created.WebSocketDebuggerURL == "" {
		return Target{}, &ConnectionError{Op: "discover", Endpoint: endpoint, Err: fmt.Errorf("created target %q has no websocket URL", created.ID)}
	}
	return created, nil
}

func getJSON(ctx context.Context, client *http.Client, method, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %s", method, rawURL, resp.Status)
	}
	return jsonv2.UnmarshalRead(resp.Body, v)
}

// targetIDFromURL extracts the id from a ws://host/devtools/page/<id> URL.
func targetIDFromURL(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return ""
	}
	const prefix = "/devtools/page/"
	if !strings.HasPrefix(u.Path, prefix) {
		return ""
	}
	return strings.TrimPrefix(u.Path, prefix)
}
