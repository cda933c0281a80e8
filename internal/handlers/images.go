package handlers

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"eyecare/api/internal/media/sniffer"
	"eyecare/api/internal/middleware"
	"eyecare/api/internal/models"
	"eyecare/api/internal/service"
)

const (
	immutableCacheControl = "public, max-age=31536000, immutable"
	multipartOverhead     = 1 << 20
)

type imageResponse struct {
	ID            string    `json:"id"`
	CaseID        string    `json:"caseId"`
	PrimaryKey    string    `json:"primaryKey"`
	ThumbnailKey  *string   `json:"thumbnailKey,omitempty"`
	BackendKind   string    `json:"backendKind"`
	ImageType     string    `json:"imageType"`
	EyeSide       string    `json:"eyeSide"`
	CapturedAt    time.Time `json:"capturedAt"`
	Description   *string   `json:"description,omitempty"`
	Order         int       `json:"order"`
	FileSizeBytes int64     `json:"fileSizeBytes"`
	MimeType      string    `json:"mimeType"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	Checksum      string    `json:"checksum,omitempty"`
	UploadedBy    string    `json:"uploadedBy"`
	CreatedAt     time.Time `json:"createdAt"`
	URL           string    `json:"url"`
	ThumbnailURL  string    `json:"thumbnailUrl,omitempty"`
}

func newImageResponse(img models.Image) imageResponse {
	proxy := fmt.Sprintf(service.ProxyPathFormat, img.ID)
	resp := imageResponse{
		ID:            img.ID,
		CaseID:        img.CaseID,
		PrimaryKey:    img.PrimaryKey,
		ThumbnailKey:  img.ThumbnailKey,
		BackendKind:   img.BackendKind,
		ImageType:     string(img.ImageType),
		EyeSide:       string(img.EyeSide),
		CapturedAt:    img.CapturedAt,
		Description:   img.Description,
		Order:         img.Order,
		FileSizeBytes: img.FileSizeBytes,
		MimeType:      img.MimeType,
		Width:         img.Width,
		Height:        img.Height,
		UploadedBy:    img.UploadedBy,
		CreatedAt:     img.CreatedAt,
		URL:           proxy,
	}
	if len(img.Checksum) > 0 {
		resp.Checksum = hex.EncodeToString(img.Checksum)
	}
	if img.ThumbnailKey != nil {
		resp.ThumbnailURL = proxy + "?thumbnail=true"
	}
	return resp
}

type uploadURLRequest struct {
	FileName    string `json:"fileName" binding:"required"`
	ContentType string `json:"contentType" binding:"required"`
	CaseID      string `json:"caseId" binding:"required"`
	EyeSide     string `json:"eyeSide"`
	ImageType   string `json:"imageType"`
}

func (h HandlerSet) IssueUploadURL(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.images.IssueUploadURL(c.Request.Context(), service.UploadURLInput{
		Requester:   identity,
		CaseID:      req.CaseID,
		FileName:    req.FileName,
		ContentType: req.ContentType,
		Metadata: service.ImageMetadata{
			EyeSide:   models.EyeSide(req.EyeSide),
			ImageType: models.ImageType(req.ImageType),
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"uploadUrl": result.UploadURL,
		"key":       result.Key,
		"expiresIn": result.ExpiresIn,
	})
}

// UploadImage accepts one multipart file. At most max+1 bytes are read so the
// size check can fail before anything is decoded or stored.
func (h HandlerSet) UploadImage(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	maxBytes := h.cfg.Images.MaxUploadBytes
	if c.Request.ContentLength > maxBytes+multipartOverhead {
		h.respondError(c, service.ErrFileTooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartOverhead)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(c, service.ErrFileTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file_unreadable"})
		return
	}

	meta, ok := formMetadata(c)
	if !ok {
		return
	}

	created, err := h.images.UploadThroughService(c.Request.Context(), service.UploadInput{
		Requester:   identity,
		CaseID:      c.PostForm("caseId"),
		FileName:    header.Filename,
		ContentType: sniffer.MimeTypeFromHTTP(http.Header(header.Header)),
		Data:        data,
		Metadata:    meta,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"image": newImageResponse(created)})
}

type registerRequest struct {
	CaseID      string     `json:"caseId" binding:"required"`
	Key         string     `json:"key" binding:"required"`
	EyeSide     string     `json:"eyeSide"`
	ImageType   string     `json:"imageType"`
	Description *string    `json:"description"`
	CapturedAt  *time.Time `json:"capturedAt"`
}

func (h HandlerSet) RegisterImage(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	created, err := h.images.RegisterDirectUpload(c.Request.Context(), service.RegisterInput{
		Requester: identity,
		CaseID:    req.CaseID,
		Key:       req.Key,
		Metadata: service.ImageMetadata{
			EyeSide:     models.EyeSide(req.EyeSide),
			ImageType:   models.ImageType(req.ImageType),
			Description: req.Description,
			CapturedAt:  req.CapturedAt,
		},
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"image": newImageResponse(created)})
}

// DirectUpload is the same-origin upload target issued by the local backend.
func (h HandlerSet) DirectUpload(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	maxBytes := h.cfg.Images.MaxUploadBytes
	if c.Request.ContentLength > maxBytes {
		h.respondError(c, service.ErrFileTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body_unreadable"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	if err := h.images.StoreDirect(c.Request.Context(), identity, key, data, sniffer.Normalize(c.ContentType())); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": key})
}

func (h HandlerSet) DownloadURL(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	var expiresIn time.Duration
	if raw := c.Query("expiresIn"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_expires_in"})
			return
		}
		expiresIn = time.Duration(seconds) * time.Second
	}

	result, err := h.images.IssueDownloadURL(c.Request.Context(), identity, c.Param("id"), expiresIn)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{
		"downloadUrl": result.DownloadURL,
		"expiresIn":   result.ExpiresIn,
	})
}

// ProxyImage streams the object through the service. Keys are never reused,
// so the response may be cached forever.
func (h HandlerSet) ProxyImage(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	thumbnail := false
	if raw := c.Query("thumbnail"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_thumbnail_flag"})
			return
		}
		thumbnail = parsed
	}

	result, err := h.images.ProxyStream(c.Request.Context(), identity, c.Param("id"), thumbnail)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Header("Content-Length", strconv.Itoa(len(result.Data)))
	c.Header("Cache-Control", immutableCacheControl)
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, result.ContentType, result.Data)
}

func (h HandlerSet) ListCaseImages(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	images, err := h.images.ListCaseImages(c.Request.Context(), identity, c.Param("caseId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	items := make([]imageResponse, 0, len(images))
	for _, img := range images {
		items = append(items, newImageResponse(img))
	}

	c.JSON(http.StatusOK, gin.H{
		"images": items,
		"total":  len(items),
	})
}

func (h HandlerSet) DeleteImage(c *gin.Context) {
	identity, ok := requireIdentity(c)
	if !ok {
		return
	}

	if err := h.images.Delete(c.Request.Context(), identity, c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "image deleted"})
}

func requireIdentity(c *gin.Context) (models.Identity, bool) {
	identity, ok := middleware.CurrentIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return models.Identity{}, false
	}
	return identity, true
}

func formMetadata(c *gin.Context) (service.ImageMetadata, bool) {
	meta := service.ImageMetadata{
		EyeSide:   models.EyeSide(c.PostForm("eyeSide")),
		ImageType: models.ImageType(c.PostForm("imageType")),
	}
	if desc := strings.TrimSpace(c.PostForm("description")); desc != "" {
		meta.Description = &desc
	}
	if captured := c.PostForm("capturedAt"); captured != "" {
		parsed, err := time.Parse(time.RFC3339, captured)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_captured_at"})
			return service.ImageMetadata{}, false
		}
		meta.CapturedAt = &parsed
	}
	return meta, true
}
