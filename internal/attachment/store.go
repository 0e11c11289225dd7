package attachment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrEmpty    = errors.New("attachment is empty")
	ErrNotFound = errors.New("attachment not found")
)

// Attachment is a file owned by exactly one scheduled message. The bytes live
// in the store's filesystem, under a directory named after the message.
type Attachment struct {
	ID          string    `gorm:"primaryKey;type:varchar(36)"`
	MessageID   string    `gorm:"type:varchar(36);index;not null"`
	Filename    string    `gorm:"type:text;not null"`
	StoragePath string    `gorm:"type:text;not null"`
	MimeType    string    `gorm:"type:text;not null"`
	Size        int64     `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

// Store keeps attachment metadata in the database and bytes in FS.
type Store struct {
	DB      *gorm.DB
	FS      afero.Fs
	Root    string
	MaxSize int64 // 0 means unlimited
}

// Attach persists data for messageID. An empty mimeType is sniffed from data.
func (s *Store) Attach(ctx context.Context, messageID string, data []byte, filename, mimeType string) (Attachment, error) {
	if len(data) == 0 {
		return Attachment{}, ErrEmpty
	}
	if s.MaxSize > 0 && int64(len(data)) > s.MaxSize {
		return Attachment{}, fmt.Errorf("%w: %s exceeds %s", ErrTooLarge,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(s.MaxSize)))
	}
	if strings.TrimSpace(mimeType) == "" || mimeType == "application/octet-stream" {
		mimeType = mimetype.Detect(data).String()
	}

	id := uuid.NewString()
	name := cleanFilename(filename)
	dir := filepath.Join(s.Root, messageID)
	path := filepath.Join(dir, id+"-"+name)

	if err := s.FS.MkdirAll(dir, 0o755); err != nil {
		return Attachment{}, err
	}
	if err := afero.WriteFile(s.FS, path, data, 0o644); err != nil {
		return Attachment{}, err
	}

	a := Attachment{
		ID:          id,
		MessageID:   messageID,
		Filename:    name,
		StoragePath: path,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Create(&a).Error; err != nil {
		_ = s.FS.Remove(path)
		return Attachment{}, err
	}

	logrus.WithFields(logrus.Fields{
		"message_id": messageID,
		"attachment": id,
		"size":       humanize.Bytes(uint64(a.Size)),
		"mime":       mimeType,
	}).Info("[ATTACHMENTS] Stored")
	return a, nil
}

// List returns the metadata of every attachment of messageID, oldest first.
func (s *Store) List(ctx context.Context, messageID string) ([]Attachment, error) {
	var out []Attachment
	err := s.DB.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("created_at asc, id asc").
		Find(&out).Error
	return out, err
}

// Resolve returns the attachments whose bytes are present. Missing files are
// logged and skipped.
func (s *Store) Resolve(ctx context.Context, messageID string) ([]Attachment, error) {
	all, err := s.List(ctx, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]Attachment, 0, len(all))
	for _, a := range all {
		ok, err := afero.Exists(s.FS, a.StoragePath)
		if err != nil || !ok {
			logrus.WithFields(logrus.Fields{
				"message_id": messageID,
				"attachment": a.ID,
				"path":       a.StoragePath,
			}).Warn("[ATTACHMENTS] Backing file missing, skipping")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Release deletes the record and the bytes of a.
func (s *Store) Release(ctx context.Context, a Attachment) error {
	res := s.DB.WithContext(ctx).Delete(&Attachment{}, "id = ?", a.ID)
	if res.Error != nil {
		return res.Error
	}
	if err := s.FS.Remove(a.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ReleaseAll releases every attachment of messageID and removes its directory.
func (s *Store) ReleaseAll(ctx context.Context, messageID string) error {
	all, err := s.List(ctx, messageID)
	if err != nil {
		return err
	}
	var errs []error
	for _, a := range all {
		if err := s.Release(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", a.ID, err))
		}
	}
	if err := s.FS.RemoveAll(filepath.Join(s.Root, messageID)); err != nil {
		errs = append(errs, err)
	}
	if len(all) > 0 {
		logrus.WithFields(logrus.Fields{
			"message_id": messageID,
			"count":      len(all),
		}).Info("[ATTACHMENTS] Released")
	}
	return errors.Join(errs...)
}

// ReleaseSent releases the attachments carried by a delivery. Files attached
// after the delivery resolved them are kept for the next one, and the message
// directory is removed only once nothing is left in it.
func (s *Store) ReleaseSent(ctx context.Context, messageID string, sent []Attachment) error {
	var errs []error
	for _, a := range sent {
		if err := s.Release(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", a.ID, err))
		}
	}
	left, err := s.List(ctx, messageID)
	if err != nil {
		errs = append(errs, err)
	} else if len(left) == 0 {
		if err := s.FS.RemoveAll(filepath.Join(s.Root, messageID)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(sent) > 0 {
		logrus.WithFields(logrus.Fields{
			"message_id": messageID,
			"count":      len(sent),
			"kept":       len(left),
		}).Info("[ATTACHMENTS] Released")
	}
	return errors.Join(errs...)
}

// Open returns a reader for the bytes of attachment id of messageID.
func (s *Store) Open(ctx context.Context, messageID, id string) (Attachment, afero.File, error) {
	var a Attachment
	err := s.DB.WithContext(ctx).Where("id = ? AND message_id = ?", id, messageID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Attachment{}, nil, ErrNotFound
	}
	if err != nil {
		return Attachment{}, nil, err
	}
	f, err := s.FS.Open(a.StoragePath)
	if err != nil {
		return Attachment{}, nil, ErrNotFound
	}
	return a, f, nil
}

func cleanFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
