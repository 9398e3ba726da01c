package domain

// Platform identifies the social network a caption targets. The scorer and
// prompt builders use it to pick length and hashtag conventions.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTwitter   Platform = "twitter"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
	PlatformFacebook  Platform = "facebook"
)

// Valid reports whether the platform is one we know how to target.
func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformTwitter, PlatformLinkedIn, PlatformTikTok, PlatformFacebook:
		return true
	default:
		return false
	}
}

// CaptionBrief is the content brief submitted by a caller.
type CaptionBrief struct {
	Topic        string   // what the post is about
	Platform     Platform // target network
	Tone         string   // optional: "casual", "professional", ...
	HashtagCount int      // requested hashtags per variant
	Variants     int      // requested number of caption variants
	ImageData    []byte   // optional image for multimodal briefs
	ImageType    string   // MIME type when ImageData is set
}

// Caption is one generated variant with its heuristic engagement score.
type Caption struct {
	Text     string   `json:"text"`
	Hashtags []string `json:"hashtags"`
	Score    int      `json:"score"` // 0-100, product-tunable heuristic
}

// CaptionSet is the result of one generation request.
type CaptionSet struct {
	Captions []Caption `json:"captions"`
	Model    string    `json:"model"`
}

// OptimizeRequest asks for an existing caption to be rewritten for a platform.
type OptimizeRequest struct {
	Caption  string
	Platform Platform
	Tone     string
}

// OptimizedCaption is the result of an optimize request.
type OptimizedCaption struct {
	Caption Caption `json:"caption"`
	Notes   string  `json:"notes"` // what the rewrite changed and why
	Model   string  `json:"model"`
}
