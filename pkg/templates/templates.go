// Package templates renders message content from stored templates or inline
// text by substituting {{ path }} placeholders.
package templates

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/dukex/nurture/pkg/models"
	"github.com/dukex/nurture/pkg/protocol"
)

// Template is a stored message definition.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"  validate:"required"`
	Body    string `json:"body"     validate:"required"`
	From    string `json:"from,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
}

type Store interface {
	Get(ctx context.Context, id string) (*Template, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+(?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// Renderer implements protocol.Renderer.
type Renderer struct {
	store Store
}

var _ protocol.Renderer = (*Renderer)(nil)

func NewRenderer(store Store) *Renderer {
	return &Renderer{store: store}
}

func (r *Renderer) Render(ctx context.Context, req protocol.RenderRequest, vars map[string]any) (models.RenderedMessage, error) {
	var msg models.RenderedMessage

	switch {
	case req.TemplateID != "":
		if r.store == nil {
			return msg, fmt.Errorf("template %s: %w", req.TemplateID, protocol.ErrTemplateNotFound)
		}

		tmpl, err := r.store.Get(ctx, req.TemplateID)
		if err != nil {
			return msg, err
		}

		msg = models.RenderedMessage{Subject: tmpl.Subject, Body: tmpl.Body, From: tmpl.From, ReplyTo: tmpl.ReplyTo}

		if req.Subject != "" {
			msg.Subject = req.Subject
		}
	case req.Subject != "" || req.Body != "":
		msg = models.RenderedMessage{Subject: req.Subject, Body: req.Body}
	default:
		return msg, fmt.Errorf("%w: nothing to render", models.ErrInvalidStep)
	}

	msg.Subject = Substitute(msg.Subject, vars)
	msg.Body = Substitute(msg.Body, vars)

	return msg, nil
}

// Substitute replaces every resolvable placeholder in text. Placeholders whose
// path does not resolve are left as written. Opening braces inside substituted
// values are split so a second pass leaves the output unchanged.
func Substitute(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}

	return placeholder.ReplaceAllStringFunc(text, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]

		value, ok := Lookup(vars, path)
		if !ok || value == nil {
			return match
		}

		return strings.ReplaceAll(fmt.Sprint(value), "{{", "{ {")
	})
}

// Lookup resolves a dotted path through nested maps.
func Lookup(vars map[string]any, path string) (any, bool) {
	if value, ok := vars[path]; ok {
		return value, true
	}

	var current any = vars

	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}
