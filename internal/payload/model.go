package payload

// Message is the content of a scheduled message as the messaging platform
// understands it.
type Message struct {
	Content    string      `json:"content,omitempty"`
	Username   string      `json:"username,omitempty"`
	AvatarURL  string      `json:"avatar_url,omitempty"`
	Embeds     []Embed     `json:"embeds,omitempty"`
	Components []ActionRow `json:"components,omitempty"`
}

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Image       *EmbedMedia  `json:"image,omitempty"`
	Thumbnail   *EmbedMedia  `json:"thumbnail,omitempty"`
	Author      *EmbedAuthor `json:"author,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedMedia struct {
	URL string `json:"url"`
}

type EmbedAuthor struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// ActionRow holds interactive elements (buttons, selects).
type ActionRow struct {
	Type       int         `json:"type"`
	Components []Component `json:"components"`
}

type Component struct {
	Type     int    `json:"type"`
	Style    int    `json:"style,omitempty"`
	Label    string `json:"label,omitempty"`
	URL      string `json:"url,omitempty"`
	CustomID string `json:"custom_id,omitempty"`
}

// File is a binary part to upload alongside the message.
type File struct {
	Name string // original filename sent to the platform
	Path string // location in the attachment filesystem
}

// HasContent reports whether the embed carries anything visible. Color and
// timestamp alone do not count.
func (e Embed) HasContent() bool {
	return e.Title != "" ||
		e.Description != "" ||
		e.URL != "" ||
		(e.Author != nil && e.Author.Name != "") ||
		(e.Footer != nil && e.Footer.Text != "") ||
		(e.Image != nil && e.Image.URL != "") ||
		(e.Thumbnail != nil && e.Thumbnail.URL != "") ||
		len(e.Fields) > 0
}
