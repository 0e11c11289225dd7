package webhook

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("webhook not found")

// Webhook is an incoming-webhook endpoint that scheduled messages post to.
type Webhook struct {
	ID        string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID    uint64    `gorm:"index;not null" json:"user_id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	URL       string    `gorm:"type:text;not null" json:"url"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

type CreateInput struct {
	Name string
	URL  string
}

func (in CreateInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&in.URL, validation.Required, is.URL, validation.By(httpScheme)),
	)
}

func httpScheme(v any) error {
	s, _ := v.(string)
	if !strings.HasPrefix(s, "https://") && !strings.HasPrefix(s, "http://") {
		return errors.New("must be an http(s) URL")
	}
	return nil
}

type Repo struct {
	DB *gorm.DB
}

func (r *Repo) Create(ctx context.Context, userID uint64, in CreateInput) (Webhook, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.URL = strings.TrimSpace(in.URL)
	if err := in.Validate(); err != nil {
		return Webhook{}, err
	}
	w := Webhook{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      in.Name,
		URL:       in.URL,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.DB.WithContext(ctx).Create(&w).Error; err != nil {
		return Webhook{}, err
	}
	return w, nil
}

// Get loads a webhook by id regardless of owner. The dispatcher uses this.
func (r *Repo) Get(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	if err := r.DB.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Webhook{}, ErrNotFound
		}
		return Webhook{}, err
	}
	return w, nil
}

// GetOwned loads a webhook only if it belongs to userID.
func (r *Repo) GetOwned(ctx context.Context, userID uint64, id string) (Webhook, error) {
	w, err := r.Get(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	if w.UserID != userID {
		return Webhook{}, ErrNotFound
	}
	return w, nil
}

func (r *Repo) List(ctx context.Context, userID uint64) ([]Webhook, error) {
	var out []Webhook
	err := r.DB.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&out).Error
	return out, err
}
