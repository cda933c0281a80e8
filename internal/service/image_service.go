package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"eyecare/api/internal/access"
	"eyecare/api/internal/ids"
	"eyecare/api/internal/media/sniffer"
	"eyecare/api/internal/models"
	"eyecare/api/internal/objectkey"
	"eyecare/api/internal/storage"
)

// ProxyPathFormat is the same-origin route that streams an image through the
// service.
const ProxyPathFormat = "/api/v1/images/%s/proxy"

type ImageStore interface {
	CreateWithNextOrder(ctx context.Context, image models.Image) (models.Image, error)
	GetByID(ctx context.Context, id string) (models.Image, error)
	ListByCase(ctx context.Context, caseID string) ([]models.Image, error)
	Delete(ctx context.Context, id string) error
}

type Authorizer interface {
	Authorize(ctx context.Context, requester models.Identity, kind access.Kind, resourceID string) error
}

// PurgeQueue hands keys that could not be deleted inline to the maintenance
// worker.
type PurgeQueue interface {
	EnqueuePurge(ctx context.Context, keys []string, reason string) error
}

type ImageMetadata struct {
	EyeSide     models.EyeSide
	ImageType   models.ImageType
	Description *string
	CapturedAt  *time.Time
}

type UploadURLInput struct {
	Requester   models.Identity
	CaseID      string
	FileName    string
	ContentType string
	Metadata    ImageMetadata
}

type UploadURLResult struct {
	UploadURL string
	Key       string
	ExpiresIn int
}

type UploadInput struct {
	Requester   models.Identity
	CaseID      string
	FileName    string
	ContentType string
	Data        []byte
	Metadata    ImageMetadata
}

type RegisterInput struct {
	Requester models.Identity
	CaseID    string
	Key       string
	Metadata  ImageMetadata
}

type DownloadResult struct {
	DownloadURL string
	ExpiresIn   int
	Proxied     bool
}

type ProxyResult struct {
	Data        []byte
	ContentType string
	Key         string
}

type ImageService struct {
	images  ImageStore
	guard   Authorizer
	gateway *StorageGateway
	purge   PurgeQueue
	log     zerolog.Logger
	now     func() time.Time
}

func NewImageService(images ImageStore, guard Authorizer, gateway *StorageGateway, purge PurgeQueue, log zerolog.Logger) *ImageService {
	return &ImageService{
		images:  images,
		guard:   guard,
		gateway: gateway,
		purge:   purge,
		log:     log.With().Str("component", "image_service").Logger(),
		now:     time.Now,
	}
}

func (s *ImageService) IssueUploadURL(ctx context.Context, input UploadURLInput) (UploadURLResult, error) {
	if err := s.authorizeCase(ctx, input.Requester, input.CaseID); err != nil {
		return UploadURLResult{}, err
	}
	if _, err := s.metadata(input.Metadata); err != nil {
		return UploadURLResult{}, err
	}

	grant, err := s.gateway.IssueDirectUploadGrant(ctx, input.FileName, input.ContentType, objectkey.CaseFolder(input.CaseID))
	if err != nil {
		return UploadURLResult{}, err
	}

	return UploadURLResult{
		UploadURL: grant.URL,
		Key:       grant.Key,
		ExpiresIn: int(grant.TTL.Seconds()),
	}, nil
}

// UploadThroughService stores the normalized image and its thumbnail, then
// creates the record. Objects are written first; if the record cannot be
// created they are removed again, or queued for purging when that fails too.
func (s *ImageService) UploadThroughService(ctx context.Context, input UploadInput) (models.Image, error) {
	if err := s.authorizeCase(ctx, input.Requester, input.CaseID); err != nil {
		return models.Image{}, err
	}
	if len(input.Data) == 0 {
		return models.Image{}, ErrEmptyFile
	}
	meta, err := s.metadata(input.Metadata)
	if err != nil {
		return models.Image{}, err
	}

	stored, err := s.gateway.UploadImage(ctx, input.Data, input.FileName, input.ContentType, UploadOptions{
		Folder:        objectkey.CaseFolder(input.CaseID),
		WantThumbnail: true,
	})
	if err != nil {
		return models.Image{}, err
	}

	image := models.Image{
		ID:            ids.New(),
		CaseID:        input.CaseID,
		PrimaryKey:    stored.Key,
		BackendKind:   string(s.gateway.Kind()),
		ImageType:     meta.ImageType,
		EyeSide:       meta.EyeSide,
		CapturedAt:    *meta.CapturedAt,
		Description:   meta.Description,
		FileSizeBytes: stored.Size,
		MimeType:      stored.MimeType,
		Width:         stored.Width,
		Height:        stored.Height,
		Checksum:      stored.Checksum,
		UploadedBy:    input.Requester.ID,
	}
	if stored.ThumbnailKey != "" {
		thumb := stored.ThumbnailKey
		image.ThumbnailKey = &thumb
	}

	created, err := s.images.CreateWithNextOrder(ctx, image)
	if err != nil {
		s.compensate(ctx, stored.Key, stored.ThumbnailKey)
		return models.Image{}, fmt.Errorf("create image record: %w", err)
	}

	s.log.Info().
		Str("image_id", created.ID).
		Str("case_id", created.CaseID).
		Str("key", created.PrimaryKey).
		Int("order", created.Order).
		Str("uploaded_by", created.UploadedBy).
		Msg("image uploaded")
	return created, nil
}

// RegisterDirectUpload creates the record for an object the client wrote
// with an upload grant. The object must exist under the case folder.
func (s *ImageService) RegisterDirectUpload(ctx context.Context, input RegisterInput) (models.Image, error) {
	if err := s.authorizeCase(ctx, input.Requester, input.CaseID); err != nil {
		return models.Image{}, err
	}
	if err := keyBelongsTo(input.Key, input.CaseID); err != nil {
		return models.Image{}, err
	}
	meta, err := s.metadata(input.Metadata)
	if err != nil {
		return models.Image{}, err
	}

	info, err := s.gateway.Stat(ctx, input.Key)
	if err != nil {
		return models.Image{}, err
	}
	contentType := sniffer.Normalize(info.ContentType)
	if !sniffer.Supported(contentType) {
		return models.Image{}, fmt.Errorf("%w: %s", ErrInvalidFileType, info.ContentType)
	}
	if info.Size > s.gateway.MaxUploadBytes() {
		return models.Image{}, fmt.Errorf("%w: %d bytes", ErrFileTooLarge, info.Size)
	}

	created, err := s.images.CreateWithNextOrder(ctx, models.Image{
		ID:            ids.New(),
		CaseID:        input.CaseID,
		PrimaryKey:    input.Key,
		BackendKind:   string(s.gateway.Kind()),
		ImageType:     meta.ImageType,
		EyeSide:       meta.EyeSide,
		CapturedAt:    *meta.CapturedAt,
		Description:   meta.Description,
		FileSizeBytes: info.Size,
		MimeType:      contentType,
		UploadedBy:    input.Requester.ID,
	})
	if err != nil {
		return models.Image{}, fmt.Errorf("create image record: %w", err)
	}

	s.log.Info().
		Str("image_id", created.ID).
		Str("case_id", created.CaseID).
		Str("key", created.PrimaryKey).
		Msg("direct upload registered")
	return created, nil
}

// StoreDirect is the upload target handed out by the local backend in place
// of a signed URL. Each key accepts exactly one write: stored images are
// immutable.
func (s *ImageService) StoreDirect(ctx context.Context, requester models.Identity, key string, data []byte, contentType string) error {
	if s.gateway.Kind().Remote() {
		return ErrUnsupported
	}
	caseID, ok := objectkey.CaseIDOf(key)
	if !ok || objectkey.IsThumbnail(key) {
		return ErrInvalidKey
	}
	if err := s.authorizeCase(ctx, requester, caseID); err != nil {
		return err
	}
	_, err := s.gateway.Stat(ctx, key)
	switch {
	case err == nil:
		return fmt.Errorf("store direct %s: %w", key, ErrObjectExists)
	case !errors.Is(err, ErrImageNotFound):
		return err
	}
	if _, err := s.gateway.StoreAsIs(ctx, key, data, contentType); err != nil {
		return err
	}
	return nil
}

// IssueDownloadURL signs a URL for the primary object. Backends that cannot
// sign get the proxy route instead.
func (s *ImageService) IssueDownloadURL(ctx context.Context, requester models.Identity, imageID string, expiresIn time.Duration) (DownloadResult, error) {
	image, err := s.loadAuthorized(ctx, requester, imageID)
	if err != nil {
		return DownloadResult{}, err
	}

	grant, err := s.gateway.IssueDownloadGrant(ctx, image.PrimaryKey, expiresIn)
	if errors.Is(err, storage.ErrUnsupported) {
		return DownloadResult{
			DownloadURL: fmt.Sprintf(ProxyPathFormat, image.ID),
			ExpiresIn:   int(grant.TTL.Seconds()),
			Proxied:     true,
		}, nil
	}
	if err != nil {
		return DownloadResult{}, err
	}

	return DownloadResult{
		DownloadURL: grant.URL,
		ExpiresIn:   int(grant.TTL.Seconds()),
	}, nil
}

func (s *ImageService) ProxyStream(ctx context.Context, requester models.Identity, imageID string, thumbnail bool) (ProxyResult, error) {
	image, err := s.loadAuthorized(ctx, requester, imageID)
	if err != nil {
		return ProxyResult{}, err
	}

	key := image.PrimaryKey
	if thumbnail && image.ThumbnailKey != nil {
		key = *image.ThumbnailKey
	}

	data, contentType, err := s.gateway.ResolveBytes(ctx, key)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			s.log.Warn().Str("image_id", image.ID).Str("key", key).Msg("image record without object")
		}
		return ProxyResult{}, err
	}
	if contentType == "" || (key == image.PrimaryKey && image.MimeType != "") {
		contentType = image.MimeType
	}

	return ProxyResult{Data: data, ContentType: contentType, Key: key}, nil
}

func (s *ImageService) ListCaseImages(ctx context.Context, requester models.Identity, caseID string) ([]models.Image, error) {
	if err := s.authorizeCase(ctx, requester, caseID); err != nil {
		return nil, err
	}
	images, err := s.images.ListByCase(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case images: %w", err)
	}
	return images, nil
}

// Delete is reserved for staff. Objects go first; the record is removed only
// once both deletes have succeeded or found nothing to delete.
func (s *ImageService) Delete(ctx context.Context, requester models.Identity, imageID string) error {
	if !requester.IsStaff() {
		return ErrAccessDenied
	}

	image, err := s.loadAuthorized(ctx, requester, imageID)
	if err != nil {
		return err
	}

	if err := s.gateway.Remove(ctx, image.PrimaryKey, objectkey.ThumbnailOf(image.PrimaryKey)); err != nil {
		return err
	}

	if err := s.images.Delete(ctx, image.ID); err != nil {
		if errors.Is(recordError(err), ErrImageNotFound) {
			return nil
		}
		return fmt.Errorf("delete image record: %w", err)
	}

	s.log.Info().
		Str("image_id", image.ID).
		Str("case_id", image.CaseID).
		Str("deleted_by", requester.ID).
		Msg("image deleted")
	return nil
}

func (s *ImageService) loadAuthorized(ctx context.Context, requester models.Identity, imageID string) (models.Image, error) {
	image, err := s.images.GetByID(ctx, imageID)
	if err != nil {
		if err = recordError(err); errors.Is(err, ErrImageNotFound) {
			return models.Image{}, err
		}
		return models.Image{}, fmt.Errorf("load image: %w", err)
	}
	if err := s.guard.Authorize(ctx, requester, access.KindCase, image.CaseID); err != nil {
		if errors.Is(err, access.ErrNotFound) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, accessError(access.KindCase, err)
	}
	return image, nil
}

func (s *ImageService) authorizeCase(ctx context.Context, requester models.Identity, caseID string) error {
	if caseID == "" {
		return ErrCaseNotFound
	}
	return accessError(access.KindCase, s.guard.Authorize(ctx, requester, access.KindCase, caseID))
}

func (s *ImageService) metadata(in ImageMetadata) (ImageMetadata, error) {
	if in.EyeSide == "" {
		in.EyeSide = models.EyeSideUnknown
	}
	if in.ImageType == "" {
		in.ImageType = models.ImageTypeOther
	}
	if !in.EyeSide.Valid() {
		return ImageMetadata{}, fmt.Errorf("%w: eye side %q", ErrInvalidMetadata, in.EyeSide)
	}
	if !in.ImageType.Valid() {
		return ImageMetadata{}, fmt.Errorf("%w: image type %q", ErrInvalidMetadata, in.ImageType)
	}
	if in.CapturedAt == nil {
		now := s.now().UTC()
		in.CapturedAt = &now
	}
	return in, nil
}

func (s *ImageService) compensate(ctx context.Context, primaryKey, thumbnailKey string) {
	err := s.gateway.Remove(ctx, primaryKey, thumbnailKey)
	if err == nil {
		return
	}

	keys := []string{primaryKey}
	if thumbnailKey != "" {
		keys = append(keys, thumbnailKey)
	}
	s.log.Error().Err(err).Strs("keys", keys).Msg("remove objects after failed insert")

	if s.purge == nil {
		return
	}
	if qErr := s.purge.EnqueuePurge(ctx, keys, "record_insert_failed"); qErr != nil {
		s.log.Error().Err(qErr).Strs("keys", keys).Msg("enqueue purge failed, objects left for sweep")
	}
}

func keyBelongsTo(key, caseID string) error {
	if !objectkey.Valid(key) || objectkey.IsThumbnail(key) {
		return ErrInvalidKey
	}
	owner, ok := objectkey.CaseIDOf(key)
	if !ok || owner != caseID {
		return ErrInvalidKey
	}
	return nil
}
