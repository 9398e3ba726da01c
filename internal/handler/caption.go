// Package handler contains the HTTP layer of the caption service.
//
// This file implements the generation endpoints:
//   - POST /api/v1/captions          -> HandleGenerate
//   - POST /api/v1/captions/optimize -> HandleOptimize
//
// Both endpoints consume quota; the entitlement gate inside the caption
// service decides whether the caller may proceed.
package handler

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/finnblack/captionforge/internal/domain"
	"github.com/finnblack/captionforge/internal/service"
)

const (
	maxRequestBody = 10 << 20 // briefs may carry a base64 image

	defaultVariants     = 3
	maxVariants         = 10
	defaultHashtagCount = 5
	maxHashtagCount     = 30
)

// CaptionHandler serves the caption generation API.
type CaptionHandler struct {
	captions *service.CaptionService
	logger   *slog.Logger
}

// NewCaptionHandler creates a new CaptionHandler.
func NewCaptionHandler(captions *service.CaptionService, logger *slog.Logger) *CaptionHandler {
	return &CaptionHandler{
		captions: captions,
		logger:   logger,
	}
}

// RegisterRoutes registers caption routes on the provided mux.
func (h *CaptionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/captions", h.HandleGenerate)
	mux.HandleFunc("POST /api/v1/captions/optimize", h.HandleOptimize)
}

type generateRequest struct {
	Email        string `json:"email"`
	Topic        string `json:"topic"`
	Platform     string `json:"platform"`
	Tone         string `json:"tone"`
	HashtagCount *int   `json:"hashtag_count"`
	Variants     *int   `json:"variants"`
	ImageData    string `json:"image_data"` // base64-encoded
	ImageType    string `json:"image_type"`
}

// HandleGenerate produces scored caption variants for a content brief.
func (h *CaptionHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	const op = "handler.captions.generate"

	var req generateRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	id, err := domain.NormalizeIdentity(req.Email)
	if err != nil {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "email", "a valid email address is required"))
		return
	}

	brief, verr := buildBrief(op, req)
	if verr != nil {
		ValidationErrorResponse(w, r, h.logger, verr)
		return
	}

	set, err := h.captions.Generate(r.Context(), id, *brief)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, set)
}

func buildBrief(op string, req generateRequest) (*domain.CaptionBrief, error) {
	var verr error

	if req.Topic == "" {
		verr = domain.AddFieldError(verr, "topic", "topic is required")
	}
	platform := domain.Platform(req.Platform)
	if !platform.Valid() {
		verr = domain.AddFieldError(verr, "platform", "platform must be one of: instagram, twitter, linkedin, tiktok, facebook")
	}

	hashtagCount := defaultHashtagCount
	if req.HashtagCount != nil {
		hashtagCount = *req.HashtagCount
		if hashtagCount < 0 || hashtagCount > maxHashtagCount {
			verr = domain.AddFieldError(verr, "hashtag_count", "hashtag_count must be between 0 and 30")
		}
	}

	variants := defaultVariants
	if req.Variants != nil {
		variants = *req.Variants
		if variants < 1 || variants > maxVariants {
			verr = domain.AddFieldError(verr, "variants", "variants must be between 1 and 10")
		}
	}

	var imageData []byte
	if req.ImageData != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ImageData)
		if err != nil {
			verr = domain.AddFieldError(verr, "image_data", "image_data must be base64-encoded")
		} else {
			imageData = decoded
		}
		if req.ImageType == "" {
			verr = domain.AddFieldError(verr, "image_type", "image_type is required when image_data is set")
		}
	}

	if verr != nil {
		return nil, verr
	}
	return &domain.CaptionBrief{
		Topic:        req.Topic,
		Platform:     platform,
		Tone:         req.Tone,
		HashtagCount: hashtagCount,
		Variants:     variants,
		ImageData:    imageData,
		ImageType:    req.ImageType,
	}, nil
}

type optimizeRequest struct {
	Email    string `json:"email"`
	Caption  string `json:"caption"`
	Platform string `json:"platform"`
	Tone     string `json:"tone"`
}

// HandleOptimize rewrites an existing caption for a target platform.
func (h *CaptionHandler) HandleOptimize(w http.ResponseWriter, r *http.Request) {
	const op = "handler.captions.optimize"

	var req optimizeRequest
	if err := decodeJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	id, err := domain.NormalizeIdentity(req.Email)
	if err != nil {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "email", "a valid email address is required"))
		return
	}

	var verr error
	if req.Caption == "" {
		verr = domain.AddFieldError(verr, "caption", "caption is required")
	}
	platform := domain.Platform(req.Platform)
	if !platform.Valid() {
		verr = domain.AddFieldError(verr, "platform", "platform must be one of: instagram, twitter, linkedin, tiktok, facebook")
	}
	if verr != nil {
		ValidationErrorResponse(w, r, h.logger, verr)
		return
	}

	result, err := h.captions.Optimize(r.Context(), id, domain.OptimizeRequest{
		Caption:  req.Caption,
		Platform: platform,
		Tone:     req.Tone,
	})
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// decodeJSON reads and decodes a JSON request body with a size cap.
func decodeJSON(r *http.Request, v interface{}) error {
	const op = "handler.decode"

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return domain.Internal(err, op, "failed to read request body")
	}
	if len(body) == 0 {
		return domain.Invalid(op, "request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return domain.Invalid(op, "request body is not valid JSON")
	}
	return nil
}
