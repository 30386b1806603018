package transfer

import (
	"time"

	"github.com/chatwit-social/scheduling-api/internal/models"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const MaxCaptionLength = 2200

// UploadedFile is a raw file that still has to go to the blob store.
type UploadedFile struct {
	Name    string
	Content []byte
}

// AttachmentInput references either an existing attachment (ID set) or an
// already hosted file (URL set).
type AttachmentInput struct {
	ID           int64  `json:"id,omitempty"`
	URL          string `json:"url,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

func (a AttachmentInput) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.URL, validation.When(a.ID == 0, validation.Required, is.URL)),
		validation.Field(&a.MimeType, validation.When(a.ID == 0, validation.Required)),
		validation.Field(&a.ThumbnailURL, is.URL),
	)
}

type ScheduledPostInput struct {
	AccountID              int64                   `json:"account_id"`
	FireAt                 time.Time               `json:"fire_at"`
	Caption                string                  `json:"caption"`
	Instagram              bool                    `json:"instagram"`
	Facebook               bool                    `json:"facebook"`
	Stories                bool                    `json:"stories"`
	Reels                  bool                    `json:"reels"`
	Feed                   bool                    `json:"feed"`
	Daily                  bool                    `json:"daily"`
	Mode                   models.DistributionMode `json:"distribution_mode"`
	Randomize              bool                    `json:"randomize"`
	TreatAsIndividualPosts bool                    `json:"treat_as_individual_posts"`
	Media                  []AttachmentInput       `json:"media"`
	Files                  []UploadedFile          `json:"-"`
}

func (in *ScheduledPostInput) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.AccountID, validation.Required),
		validation.Field(&in.FireAt, validation.Required),
		validation.Field(&in.Caption, validation.RuneLength(0, MaxCaptionLength)),
		validation.Field(&in.Mode, validation.In(models.ModeCarousel, models.ModeRandom, models.ModeRotate)),
		validation.Field(&in.Media),
	)
}

// DistributionMode resolves the explicit mode, falling back to the legacy flags.
func (in *ScheduledPostInput) DistributionMode() models.DistributionMode {
	if in.Mode != "" {
		return in.Mode
	}
	return models.ModeFromFlags(in.TreatAsIndividualPosts, in.Randomize)
}

// ScheduledPostUpdate carries a partial edit. Nil fields are left untouched;
// a non-nil Media replaces the attachment set by diff.
type ScheduledPostUpdate struct {
	FireAt                 *time.Time               `json:"fire_at"`
	Caption                *string                  `json:"caption"`
	Instagram              *bool                    `json:"instagram"`
	Facebook               *bool                    `json:"facebook"`
	Stories                *bool                    `json:"stories"`
	Reels                  *bool                    `json:"reels"`
	Feed                   *bool                    `json:"feed"`
	Daily                  *bool                    `json:"daily"`
	Mode                   *models.DistributionMode `json:"distribution_mode"`
	Randomize              *bool                    `json:"randomize"`
	TreatAsIndividualPosts *bool                    `json:"treat_as_individual_posts"`
	Media                  *[]AttachmentInput       `json:"media"`
	Files                  []UploadedFile           `json:"-"`
}

func (in *ScheduledPostUpdate) Validate() error {
	return validation.ValidateStruct(in,
		validation.Field(&in.FireAt, validation.NilOrNotEmpty),
		validation.Field(&in.Caption, validation.RuneLength(0, MaxCaptionLength)),
		validation.Field(&in.Mode, validation.In(models.ModeCarousel, models.ModeRandom, models.ModeRotate)),
		validation.Field(&in.Media),
	)
}

// DistributionMode applies the edit to the current mode.
func (in *ScheduledPostUpdate) DistributionMode(current models.DistributionMode) models.DistributionMode {
	if in.Mode != nil {
		return *in.Mode
	}
	if in.TreatAsIndividualPosts == nil && in.Randomize == nil {
		return current
	}

	individual := current == models.ModeRotate
	randomize := current == models.ModeRandom
	if in.TreatAsIndividualPosts != nil {
		individual = *in.TreatAsIndividualPosts
	}
	if in.Randomize != nil {
		randomize = *in.Randomize
	}
	return models.ModeFromFlags(individual, randomize)
}

type GroupFailure struct {
	PostID int64  `json:"post_id,omitempty"`
	Error  string `json:"error"`
}

// GroupResult aggregates the per-member outcome of a group operation.
type GroupResult struct {
	GroupID   string         `json:"group_id"`
	Total     int            `json:"total"`
	Succeeded int            `json:"succeeded"`
	PostIDs   []int64        `json:"post_ids"`
	Failed    []GroupFailure `json:"failed,omitempty"`
}

type HostedMedia struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}
