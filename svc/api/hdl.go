package api

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"pastebox/cfg"
	"pastebox/pkg/domain"
	"pastebox/svc/svc"
	"pastebox/svc/util"
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content    string `json:"content"`
	TTLSeconds *int   `json:"ttl_seconds,omitempty"`
	MaxViews   *int   `json:"max_views,omitempty"`
}
type CreateResp struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	limit := h.cfg.MaxPasteSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			log.Warn().Str("content_length", clHeader).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			log.Warn().Int64("content_length", cl).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		log.Warn().Msg("empty content")
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if int64(len(req.Content)) > h.cfg.MaxPasteSize {
		log.Warn().Int("content_length", len(req.Content)).Msg("content exceeds maximum size")
		writeErr(w, domain.ErrPasteTooLarge, requestID)
		return
	}
	if req.TTLSeconds != nil {
		if *req.TTLSeconds < 1 {
			log.Warn().Int("ttl_seconds", *req.TTLSeconds).Msg("invalid ttl")
			writeErr(w, domain.ErrInvalidTTL, requestID)
			return
		}
		if float64(*req.TTLSeconds) > h.cfg.MaxTTL.Seconds() {
			capped := int(h.cfg.MaxTTL.Seconds())
			log.Warn().Int("requested", *req.TTLSeconds).Int("capped", capped).Msg("ttl exceeds max, capping")
			req.TTLSeconds = &capped
		}
	}
	if req.MaxViews != nil && *req.MaxViews < 1 {
		log.Warn().Int("max_views", *req.MaxViews).Msg("invalid max_views")
		writeErr(w, domain.ErrInvalidMaxViews, requestID)
		return
	}

	params := domain.CreateParams{
		Content:    sanitizeContent(req.Content),
		TTLSeconds: req.TTLSeconds,
		MaxViews:   req.MaxViews,
	}
	paste, err := h.paste.Create(r.Context(), params)
	if err != nil {
		log.Error().Err(err).Msg("failed to create paste")
		if errors.Is(err, domain.ErrPasteTooLarge) ||
			errors.Is(err, domain.ErrContentRequired) ||
			errors.Is(err, domain.ErrInvalidTTL) ||
			errors.Is(err, domain.ErrInvalidMaxViews) ||
			errors.Is(err, domain.ErrIDGenerationFailed) ||
			errors.Is(err, domain.ErrStorageUnavailable) {
			writeErr(w, err, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", paste.ID).
		Bool("has_ttl", paste.ExpiresAt != nil).
		Bool("has_quota", paste.MaxViews != nil).
		Msg("paste created")
	resp := CreateResp{
		ID:  paste.ID,
		URL: h.shareURL(r, paste.ID),
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// ClaimPaste is the consuming read: each successful response burns one view.
func (h *Hdl) ClaimPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	claim, err := h.paste.Claim(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			writeErr(w, domain.ErrPasteNotFound, requestID)
			return
		}
		log.Warn().Err(err).Str("paste_id", id).Msg("claim failed")
		if errors.Is(err, domain.ErrStorageUnavailable) {
			writeErr(w, domain.ErrStorageUnavailable, requestID)
			return
		}
		writeErr(w, domain.ErrInternalServer, requestID)
		return
	}
	log.Info().
		Str("paste_id", id).
		Str("client_ip", util.RedactIP(r.RemoteAddr)).
		Int("views", claim.Views).
		Msg("paste claimed")
	json.NewEncoder(w).Encode(claim)
}

// ShowPaste is the display path: same visibility rules as ClaimPaste but it
// never consumes a view. Content is untrusted input; it is escaped here, at
// render time, and nowhere else.
func (h *Hdl) ShowPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	id := chi.URLParam(r, "id")
	paste, err := h.paste.Peek(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			http.NotFound(w, r)
			return
		}
		log.Warn().Err(err).Str("paste_id", id).Msg("peek failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, pastePage, html.EscapeString(paste.Content))
}

const pastePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>pastebox</title></head>
<body style="margin:0;background:#ffffff">
<div style="padding:40px;max-width:1200px;margin:0 auto">
<pre style="padding:20px;white-space:pre-wrap;word-break:break-word;background:#f8f8f8;border:2px solid #333;border-radius:4px;font-family:monospace;font-size:14px;line-height:1.6;color:#000">%s</pre>
</div>
</body>
</html>
`

func (h *Hdl) shareURL(r *http.Request, id string) string {
	base := h.cfg.BaseURL
	if base == "" {
		proto := r.Header.Get("X-Forwarded-Proto")
		if proto == "" {
			if h.cfg.Environment == "development" {
				proto = "http"
			} else {
				proto = "https"
			}
		}
		base = proto + "://" + r.Host
	}
	return strings.TrimRight(base, "/") + "/p/" + id
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes to NFC and strips control characters. It never
// escapes markup: content is stored verbatim and escaped at render time.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for _, r := range s {
			if r != utf8.RuneError {
				v = append(v, r)
			}
		}
		s = string(v)
	}
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
	return s
}
