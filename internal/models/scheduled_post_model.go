package models

import "time"

type ScheduledPost struct {
	ID        int64            `db:"id" json:"id"`
	UserID    int64            `db:"user_id" json:"user_id"`
	AccountID int64            `db:"account_id" json:"account_id"`
	GroupID   string           `db:"group_id" json:"group_id,omitempty"`
	FireAt    time.Time        `db:"fire_at" json:"fire_at"`
	Caption   string           `db:"caption" json:"caption"`
	Instagram bool             `db:"instagram" json:"instagram"`
	Facebook  bool             `db:"facebook" json:"facebook"`
	Stories   bool             `db:"stories" json:"stories"`
	Reels     bool             `db:"reels" json:"reels"`
	Feed      bool             `db:"feed" json:"feed"`
	Daily     bool             `db:"daily" json:"daily"`
	Mode      DistributionMode `db:"distribution_mode" json:"distribution_mode"`
	Status    string           `db:"status" json:"status"` // scheduled, posted, failed
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`

	Attachments []*MediaAttachment `db:"-" json:"attachments"`
	Account     *SocialAccount     `db:"-" json:"-"`
}

type MediaAttachment struct {
	ID           int64     `db:"id" json:"id"`
	PostID       int64     `db:"post_id" json:"post_id"`
	URL          string    `db:"url" json:"url"`
	MimeType     string    `db:"mime_type" json:"mime_type"`
	ThumbnailURL string    `db:"thumbnail_url" json:"thumbnail_url,omitempty"`
	Counter      int       `db:"counter" json:"counter"`
	DisplayOrder int       `db:"display_order" json:"display_order"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// DistributionMode decides which attachments a firing publishes.
type DistributionMode string

const (
	// ModeCarousel publishes the whole pool as one multi-media post.
	ModeCarousel DistributionMode = "carousel"
	// ModeRandom publishes one attachment picked uniformly at random.
	ModeRandom DistributionMode = "random"
	// ModeRotate publishes one of the least-used attachments and bumps its counter.
	ModeRotate DistributionMode = "rotate"
)

// ModeFromFlags folds the legacy boolean pair into a mode. Individual
// posting wins over randomization.
func ModeFromFlags(treatAsIndividual, randomize bool) DistributionMode {
	switch {
	case treatAsIndividual:
		return ModeRotate
	case randomize:
		return ModeRandom
	default:
		return ModeCarousel
	}
}

func (m DistributionMode) Valid() bool {
	switch m {
	case ModeCarousel, ModeRandom, ModeRotate:
		return true
	}
	return false
}

// Revision is the part of a post that the dispatch worker writes. An edit
// only lands if the post still has the revision it was read at.
type Revision struct {
	FireAt time.Time
	Status string
}

func (p *ScheduledPost) Revision() Revision {
	return Revision{FireAt: p.FireAt, Status: p.Status}
}

const (
	PostStatusScheduled = "scheduled"
	PostStatusPosted    = "posted"
	PostStatusFailed    = "failed"
)
