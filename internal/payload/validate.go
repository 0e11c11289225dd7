package payload

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Platform limits for incoming-webhook messages.
const (
	MaxContentLength    = 2000
	MaxEmbeds           = 10
	MaxEmbedTitle       = 256
	MaxEmbedDescription = 4096
	MaxEmbedFooterText  = 2048
	MaxEmbedAuthorName  = 256
	MaxEmbedFields      = 25
	MaxActionRows       = 5
	MaxComponentsPerRow = 5
)

var ErrEmptyMessage = errors.New("message has no content and no embeds")

// Violation is one broken platform limit.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + ": " + v.Message
}

// ValidationError lists every violation found in a message.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Error()
	}
	return "invalid message: " + strings.Join(parts, "; ")
}

// Sanitize drops embeds that carry nothing visible.
func Sanitize(m Message) Message {
	if len(m.Embeds) == 0 {
		return m
	}
	kept := make([]Embed, 0, len(m.Embeds))
	for _, e := range m.Embeds {
		if e.HasContent() {
			kept = append(kept, e)
		}
	}
	m.Embeds = kept
	if len(m.Embeds) == 0 {
		m.Embeds = nil
	}
	return m
}

// Validate checks m against the platform limits. It returns nil or a
// *ValidationError.
func Validate(m Message) error {
	var vs []Violation
	add := func(field, format string, args ...any) {
		vs = append(vs, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if n := utf8.RuneCountInString(m.Content); n > MaxContentLength {
		add("content", "exceeds %d chars (got %d)", MaxContentLength, n)
	}
	if len(m.Embeds) > MaxEmbeds {
		add("embeds", "more than %d embeds (got %d)", MaxEmbeds, len(m.Embeds))
	}
	for i, e := range m.Embeds {
		field := fmt.Sprintf("embed %d", i+1)
		if n := utf8.RuneCountInString(e.Title); n > MaxEmbedTitle {
			add(field, "title exceeds %d chars", MaxEmbedTitle)
		}
		if n := utf8.RuneCountInString(e.Description); n > MaxEmbedDescription {
			add(field, "description exceeds %d chars", MaxEmbedDescription)
		}
		if e.Footer != nil && utf8.RuneCountInString(e.Footer.Text) > MaxEmbedFooterText {
			add(field, "footer text exceeds %d chars", MaxEmbedFooterText)
		}
		if e.Author != nil && utf8.RuneCountInString(e.Author.Name) > MaxEmbedAuthorName {
			add(field, "author name exceeds %d chars", MaxEmbedAuthorName)
		}
		if len(e.Fields) > MaxEmbedFields {
			add(field, "more than %d fields (got %d)", MaxEmbedFields, len(e.Fields))
		}
	}
	if len(m.Components) > MaxActionRows {
		add("components", "more than %d action rows (got %d)", MaxActionRows, len(m.Components))
	}
	for i, row := range m.Components {
		if len(row.Components) > MaxComponentsPerRow {
			add(fmt.Sprintf("action row %d", i+1), "more than %d components (got %d)", MaxComponentsPerRow, len(row.Components))
		}
	}

	if len(vs) > 0 {
		return &ValidationError{Violations: vs}
	}
	return nil
}

// Prepare sanitizes m, rejects it when nothing is left to send and validates
// the remainder. The returned message is what gets formatted.
func Prepare(m Message) (Message, error) {
	m = Sanitize(m)
	if strings.TrimSpace(m.Content) == "" && len(m.Embeds) == 0 {
		return m, ErrEmptyMessage
	}
	if err := Validate(m); err != nil {
		return m, err
	}
	return m, nil
}
