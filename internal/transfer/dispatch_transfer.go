package transfer

import "time"

type DispatchMedia struct {
	AttachmentID int64  `json:"attachment_id"`
	URL          string `json:"url"`
	MimeType     string `json:"mime_type"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// DispatchPayload is the flat body POSTed to the publishing webhook.
type DispatchPayload struct {
	IdempotencyKey    string          `json:"idempotency_key"`
	PostID            int64           `json:"post_id"`
	UserID            int64           `json:"user_id"`
	AccountID         int64           `json:"account_id"`
	Platform          string          `json:"platform"`
	PlatformAccountID string          `json:"platform_account_id"`
	PageID            string          `json:"page_id,omitempty"`
	AccessToken       string          `json:"access_token"`
	TokenExpired      bool            `json:"token_expired"`
	Caption           string          `json:"caption"`
	Instagram         bool            `json:"instagram"`
	Facebook          bool            `json:"facebook"`
	Stories           bool            `json:"stories"`
	Reels             bool            `json:"reels"`
	Feed              bool            `json:"feed"`
	Daily             bool            `json:"daily"`
	Mode              string          `json:"distribution_mode"`
	Carousel          bool            `json:"carousel"`
	FireAt            time.Time       `json:"fire_at"`
	MediaURL          string          `json:"media_url"`
	MimeType          string          `json:"mime_type"`
	ThumbnailURL      string          `json:"thumbnail_url,omitempty"`
	Media             []DispatchMedia `json:"media"`
}
