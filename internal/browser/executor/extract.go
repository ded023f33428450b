// internal/browser/executor/extract.go
package executor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/browser/jsexec"
	"github.com/xkilldash9x/browserpilot/internal/browser/shim"
)

// ExtractionRequest is what an Extractor is asked to answer.
type ExtractionRequest struct {
	Query string
	// Text is the visible text of the page, whitespace-collapsed, one block per line.
	Text     string
	Snapshot *schemas.PageSnapshot
}

// Extractor answers an extract query from page content. It is usually backed
// by the same decision-maker that chooses actions.
type Extractor interface {
	Extract(ctx context.Context, req ExtractionRequest) (any, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, req ExtractionRequest) (any, error)

func (f ExtractorFunc) Extract(ctx context.Context, req ExtractionRequest) (any, error) {
	return f(ctx, req)
}

func (e *Executor) extract(ctx context.Context, inv invocation) (schemas.ActionResult, error) {
	p := inv.params.(schemas.ExtractParams)

	var doc string
	if err := jsexec.Evaluate(ctx, shim.DocumentHTML, &doc); err != nil {
		return schemas.ActionResult{}, err
	}
	text, err := VisibleText(doc)
	if err != nil {
		return schemas.ActionResult{}, fmt.Errorf("%w: parse document: %v", ErrExtractionFailed, err)
	}

	if e.extractor == nil {
		truncated := truncateRunes(text, e.cfg.MaxExtractChars)
		return schemas.NewSuccessResult(fmt.Sprintf("extracted %d characters of page text", utf8.RuneCountInString(truncated)), truncated), nil
	}

	answer, err := e.extractor.Extract(ctx, ExtractionRequest{Query: p.Query, Text: text, Snapshot: inv.snapshot})
	if err != nil {
		e.logger.Warn("Extractor failed.", zap.String("query", p.Query), zap.Error(err))
		return schemas.ActionResult{}, fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return schemas.NewSuccessResult(fmt.Sprintf("extracted %q", p.Query), answer), nil
}

// skippedElements never contribute visible text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Main: true, atom.Aside: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Li: true, atom.Tr: true, atom.Br: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
	atom.Form: true, atom.Pre: true, atom.Blockquote: true, atom.Dt: true, atom.Dd: true,
}

// VisibleText reduces an HTML document to its readable text. Block-level
// elements start new lines and runs of whitespace collapse to one space.
func VisibleText(document string) (string, error) {
	root, err := html.Parse(strings.NewReader(document))
	if err != nil {
		return "", err
	}

	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] || hidden(n) {
				return
			}
		}
		block := n.Type == html.ElementNode && blockElements[n.DataAtom]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(root)
	flush()
	return strings.Join(lines, "\n"), nil
}

// hidden catches markup-level hiding. Computed styles are not available here.
func hidden(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden":
			return true
		case "aria-hidden":
			if strings.EqualFold(a.Val, "true") {
				return true
			}
		case "style":
			style := strings.ReplaceAll(strings.ToLower(a.Val), " ", "")
			if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
				return true
			}
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
