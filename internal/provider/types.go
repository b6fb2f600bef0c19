// Package provider defines the typed capability contracts the pipeline
// calls through the fallback coordinator, plus the concrete adapters
// that implement them (hosted APIs, generic JSON-over-HTTP services and
// local fallbacks).
package provider

import "time"

// Capability names, used as circuit and metric labels.
const (
	CapContent   = "content"
	CapNarration = "narration"
	CapAssets    = "assets"
	CapRender    = "render"
	CapUpload    = "upload"
	CapAnalytics = "analytics"
)

// ContentRequest asks a content provider for one quiz draft.
type ContentRequest struct {
	Template string   `json:"template"`
	Category string   `json:"category"`
	Voice    string   `json:"voice"`
	Avoid    []string `json:"avoid,omitempty"` // recent question texts to steer away from
}

// ContentDraft is a generated quiz unit ready for production.
type ContentDraft struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
}

// NarrationRequest asks a TTS provider to voice the given text.
type NarrationRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
}

// NarrationResult points at the synthesized audio.
type NarrationResult struct {
	AudioPath string        `json:"audio_path"`
	Duration  time.Duration `json:"duration"`
}

// AssetRequest asks for one background clip or music track.
type AssetRequest struct {
	Kind     string   `json:"kind"` // "background" or "music"
	Category string   `json:"category"`
	Exclude  []string `json:"exclude,omitempty"` // asset ids inside their no-repeat window
}

// AssetResult identifies the chosen asset.
type AssetResult struct {
	AssetID string `json:"asset_id"`
	Path    string `json:"path"`
}

// RenderRequest assembles narration and assets into a finished short.
type RenderRequest struct {
	Draft        ContentDraft `json:"draft"`
	AudioPath    string       `json:"audio_path"`
	BackgroundID string       `json:"background_id"`
	MusicID      string       `json:"music_id"`
}

// RenderResult points at the rendered video.
type RenderResult struct {
	VideoPath string        `json:"video_path"`
	Duration  time.Duration `json:"duration"`
}

// UploadRequest publishes a rendered video.
type UploadRequest struct {
	VideoPath   string    `json:"video_path"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags,omitempty"`
	PublishAt   time.Time `json:"publish_at"`
}

// UploadResult carries the platform identifier of the published short.
type UploadResult struct {
	ContentID string `json:"content_id"`
	URL       string `json:"url,omitempty"`
}

// AnalyticsRequest fetches matured performance for one published short.
type AnalyticsRequest struct {
	ContentID string `json:"content_id"`
}

// AnalyticsResult is the raw performance snapshot from the platform.
type AnalyticsResult struct {
	Impressions    int64   `json:"impressions"`
	CompletionRate float64 `json:"completion_rate"`
	CTR            float64 `json:"ctr"`
	EngagementRate float64 `json:"engagement_rate"`
}
