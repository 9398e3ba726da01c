package anthropic

import (
	"fmt"
	"strings"

	"github.com/finnblack/captionforge/internal/ai"
	"github.com/finnblack/captionforge/internal/domain"
)

// platformGuidance maps platforms to length/style constraints included in the
// prompt. Tuned by hand against real outputs; not an API contract.
var platformGuidance = map[domain.Platform]string{
	domain.PlatformInstagram: "Up to 2200 characters, but front-load the hook in the first 125 characters. Emoji welcome.",
	domain.PlatformTwitter:   "Hard limit 280 characters including hashtags. Punchy, no fluff.",
	domain.PlatformLinkedIn:  "Professional register, 1-3 short paragraphs, at most one emoji. Open with an insight, not a greeting.",
	domain.PlatformTikTok:    "Short and high-energy, under 150 characters. Speak to the viewer directly.",
	domain.PlatformFacebook:  "Conversational, 1-2 sentences plus a question to invite comments.",
}

func buildCaptionPrompt(params ai.CaptionParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a social media copywriter. Write %d caption variant(s) for a %s post.\n\n", params.Variants, params.Platform)
	fmt.Fprintf(&b, "Topic: %s\n", params.Topic)
	if params.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", params.Tone)
	}
	if guidance, ok := platformGuidance[params.Platform]; ok {
		fmt.Fprintf(&b, "Platform constraints: %s\n", guidance)
	}
	if len(params.ImageData) > 0 {
		b.WriteString("An image for the post is attached; the captions must match what it shows.\n")
	}
	fmt.Fprintf(&b, "Include exactly %d relevant hashtags per variant, without the leading # in the hashtags array.\n\n", params.HashtagCount)

	b.WriteString(`Respond with JSON only, no prose, in this exact shape:
{
  "captions": [
    {"text": "the caption text without hashtags", "hashtags": ["hashtag1", "hashtag2"]}
  ]
}`)

	return b.String()
}

func buildOptimizePrompt(params ai.OptimizeParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a social media copywriter. Rewrite the following caption to perform better on %s.\n\n", params.Platform)
	fmt.Fprintf(&b, "Original caption:\n%s\n\n", params.Caption)
	if params.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", params.Tone)
	}
	if guidance, ok := platformGuidance[params.Platform]; ok {
		fmt.Fprintf(&b, "Platform constraints: %s\n", guidance)
	}
	b.WriteString("Keep the original meaning. Improve the hook, readability, and call to action.\n\n")

	b.WriteString(`Respond with JSON only, no prose, in this exact shape:
{
  "caption": {"text": "the rewritten caption without hashtags", "hashtags": ["hashtag1"]},
  "notes": "one or two sentences on what changed and why"
}`)

	return b.String()
}
