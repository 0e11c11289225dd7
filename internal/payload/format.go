package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"

	"github.com/spf13/afero"
)

// Body is a fully encoded request body. It is buffered so a retry can resend it.
type Body struct {
	ContentType string
	Data        []byte
}

// wireMessage is what the platform receives. Components are validated but not
// forwarded: plain incoming webhooks reject them.
type wireMessage struct {
	Content   string  `json:"content,omitempty"`
	Embeds    []Embed `json:"embeds,omitempty"`
	Username  string  `json:"username,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
}

// JSON serializes only the non-empty wire fields of m.
func JSON(m Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		Content:   m.Content,
		Embeds:    m.Embeds,
		Username:  m.Username,
		AvatarURL: m.AvatarURL,
	})
}

// FilePartName returns the multipart field name of the i-th attachment:
// file, file1, file2, ...
func FilePartName(i int) string {
	if i == 0 {
		return "file"
	}
	return fmt.Sprintf("file%d", i)
}

// Format encodes m as a JSON body, or as multipart/form-data when files are
// present. File bytes are read from fs.
func Format(m Message, files []File, fs afero.Fs) (*Body, error) {
	raw, err := JSON(m)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	if len(files) == 0 {
		return &Body{ContentType: "application/json", Data: raw}, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("payload_json", string(raw)); err != nil {
		return nil, err
	}
	for i, f := range files {
		if err := writeFilePart(mw, fs, FilePartName(i), f); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return &Body{ContentType: mw.FormDataContentType(), Data: buf.Bytes()}, nil
}

func writeFilePart(mw *multipart.Writer, fs afero.Fs, field string, f File) error {
	src, err := fs.Open(f.Path)
	if err != nil {
		return fmt.Errorf("open attachment %s: %w", f.Name, err)
	}
	defer src.Close()

	part, err := mw.CreateFormFile(field, f.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, src); err != nil {
		return fmt.Errorf("copy attachment %s: %w", f.Name, err)
	}
	return nil
}
