package models

import "time"

type ImageType string

const (
	ImageTypeSlitLamp    ImageType = "slit_lamp"
	ImageTypeFundus      ImageType = "fundus"
	ImageTypeOCT         ImageType = "oct"
	ImageTypeTopography  ImageType = "topography"
	ImageTypeVisualField ImageType = "visual_field"
	ImageTypeExternal    ImageType = "external"
	ImageTypeOther       ImageType = "other"
)

func (t ImageType) Valid() bool {
	switch t {
	case ImageTypeSlitLamp, ImageTypeFundus, ImageTypeOCT, ImageTypeTopography,
		ImageTypeVisualField, ImageTypeExternal, ImageTypeOther:
		return true
	}
	return false
}

type EyeSide string

const (
	EyeSideLeft    EyeSide = "left"
	EyeSideRight   EyeSide = "right"
	EyeSideBoth    EyeSide = "both"
	EyeSideUnknown EyeSide = "unknown"
)

func (s EyeSide) Valid() bool {
	switch s {
	case EyeSideLeft, EyeSideRight, EyeSideBoth, EyeSideUnknown:
		return true
	}
	return false
}

// Image is the metadata row for one stored clinical image. PrimaryKey and
// BackendKind are recorded at creation so reads never re-derive the key from
// a URL.
type Image struct {
	ID            string
	CaseID        string
	PrimaryKey    string
	ThumbnailKey  *string
	BackendKind   string
	ImageType     ImageType
	EyeSide       EyeSide
	CapturedAt    time.Time
	Description   *string
	Order         int
	FileSizeBytes int64
	MimeType      string
	Width         int
	Height        int
	Checksum      []byte
	UploadedBy    string
	CreatedAt     time.Time
}
