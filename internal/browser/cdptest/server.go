package cdptest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/chromedp"
	jsonv2 "github.com/go-json-experiment/json"
	"github.com/gorilla/websocket"
)

// DefaultTargetID is the id of the single page target a Server exposes.
const DefaultTargetID = "E1A2B3C4D5E6F708192A3B4C5D6E7F80"

// Server exposes a Browser over the DevTools HTTP discovery endpoints and a
// page websocket, like a Chromium started with --remote-debugging-port.
type Server struct {
	Browser  *Browser
	TargetID string
	HTTP     *httptest.Server

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
}

// NewServer starts a server backed by b. It is closed on test cleanup.
func NewServer(t testing.TB, b *Browser) *Server {
	t.Helper()
	s := &Server{
		Browser:  b,
		TargetID: DefaultTargetID,
		conns:    make(map[*websocket.Conn]*sync.Mutex),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/list", s.handleList)
	mux.HandleFunc("/json/new", s.handleNew)
	mux.HandleFunc("/devtools/page/", s.handlePage)
	s.HTTP = httptest.NewServer(mux)

	t.Cleanup(s.Close)
	return s
}

// URL is the http:// DevTools address.
func (s *Server) URL() string { return s.HTTP.URL }

// WebSocketURL is the page target websocket address.
func (s *Server) WebSocketURL() string {
	return "ws://" + strings.TrimPrefix(s.HTTP.URL, "http://") + "/devtools/page/" + s.TargetID
}

// Emit sends an event to every connected client.
func (s *Server) Emit(method string, params any) {
	msg := eventMessage(method, params)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, wmu := range s.conns {
		writeMessage(conn, wmu, msg)
	}
}

// DropConnections closes every websocket without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// Close drops clients and stops the HTTP server.
func (s *Server) Close() {
	s.DropConnections()
	s.HTTP.Close()
}

func (s *Server) target() Target {
	return Target{
		ID:                   s.TargetID,
		Type:                 "page",
		Title:                "",
		URL:                  "about:blank",
		WebSocketDebuggerURL: s.WebSocketURL(),
	}
}

// Target mirrors one /json/list entry.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = jsonv2.MarshalWrite(w, []Target{s.target()})
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Using unsafe HTTP verb GET to invoke /json/new. This action supports only PUT verb.", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = jsonv2.MarshalWrite(w, s.target())
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	if strings.TrimPrefix(r.URL.Path, "/devtools/page/") != s.TargetID {
		http.Error(w, fmt.Sprintf("No such target id: %s", r.URL.Path), http.StatusNotFound)
		return
	}
	conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wmu := &sync.Mutex{}
	s.mu.Lock()
	s.conns[conn] = wmu
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	deliver := func(m *cdproto.Message) { writeMessage(conn, wmu, m) }
	for {
		_, buf, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := jsonv2.Unmarshal(buf, &msg, chromedp.DefaultUnmarshalOptions); err != nil {
			return
		}
		s.Browser.dispatch(&msg, deliver)
	}
}

func writeMessage(conn *websocket.Conn, wmu *sync.Mutex, msg *cdproto.Message) {
	buf, err := jsonv2.Marshal(msg, chromedp.DefaultMarshalOptions)
	if err != nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, buf)
}
