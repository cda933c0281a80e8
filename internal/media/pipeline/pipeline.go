// Package pipeline validates uploaded image bytes and produces the bounded
// primary rendition and its thumbnail.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"eyecare/api/internal/media/sniffer"
)

var (
	ErrEmpty           = errors.New("empty image payload")
	ErrFileTooLarge    = errors.New("image exceeds maximum upload size")
	ErrInvalidFileType = errors.New("unsupported image type")
	ErrProcessing      = errors.New("image could not be processed")
)

// maxPixels caps decoded area so a small, highly compressed file cannot
// expand into gigabytes of pixels.
const maxPixels = 120_000_000

type Box struct {
	Width  int
	Height int
}

func (b Box) valid() bool {
	return b.Width > 0 && b.Height > 0
}

type Options struct {
	MaxBytes     int64
	PrimaryBox   Box
	ThumbnailBox Box
	Quality      int
}

func DefaultOptions() Options {
	return Options{
		MaxBytes:     10 << 20,
		PrimaryBox:   Box{Width: 1920, Height: 1920},
		ThumbnailBox: Box{Width: 400, Height: 400},
		Quality:      85,
	}
}

type Rendition struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

type Pipeline struct {
	opts Options
}

func New(opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = def.MaxBytes
	}
	if !opts.PrimaryBox.valid() {
		opts.PrimaryBox = def.PrimaryBox
	}
	if !opts.ThumbnailBox.valid() {
		opts.ThumbnailBox = def.ThumbnailBox
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	return &Pipeline{opts: opts}
}

func (p *Pipeline) Options() Options {
	return p.opts
}

// Validate checks size, then type, without decoding. maxBytes overrides the
// configured limit when positive. The declared content type, when it names
// an image type, must match the sniffed one.
func (p *Pipeline) Validate(data []byte, declared string, maxBytes int64) (sniffer.Result, error) {
	if maxBytes <= 0 {
		maxBytes = p.opts.MaxBytes
	}
	if len(data) == 0 {
		return sniffer.Result{}, ErrEmpty
	}
	if int64(len(data)) > maxBytes {
		return sniffer.Result{}, fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(data), maxBytes)
	}

	declared = sniffer.Normalize(declared)
	if declared != "" && declared != "application/octet-stream" && !sniffer.Supported(declared) {
		return sniffer.Result{}, fmt.Errorf("%w: %s", ErrInvalidFileType, declared)
	}

	detected, err := sniffer.DetectHead(head(data))
	if err != nil {
		return sniffer.Result{}, fmt.Errorf("%w: %v", ErrInvalidFileType, err)
	}
	if declared != "" && declared != "application/octet-stream" && declared != detected.MIME {
		return sniffer.Result{}, fmt.Errorf("%w: declared %s, actual %s", ErrInvalidFileType, declared, detected.MIME)
	}
	return detected, nil
}

// Normalize bounds the image to the primary box.
func (p *Pipeline) Normalize(data []byte) (Rendition, error) {
	return p.render(data, p.opts.PrimaryBox)
}

// Thumbnail bounds the image to box, or to the configured thumbnail box when
// box is zero.
func (p *Pipeline) Thumbnail(data []byte, box Box) (Rendition, error) {
	if !box.valid() {
		box = p.opts.ThumbnailBox
	}
	return p.render(data, box)
}

func (p *Pipeline) render(data []byte, box Box) (Rendition, error) {
	detected, err := sniffer.DetectHead(head(data))
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: %v", ErrInvalidFileType, err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: decode config: %v", ErrProcessing, err)
	}
	if cfg.Width*cfg.Height > maxPixels {
		return Rendition{}, fmt.Errorf("%w: %dx%d exceeds pixel budget", ErrProcessing, cfg.Width, cfg.Height)
	}

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: decode: %v", ErrProcessing, err)
	}

	// Fit never upscales: images already inside the box are cloned.
	dst := imaging.Fit(src, box.Width, box.Height, imaging.Lanczos)

	var buf bytes.Buffer
	mime := "image/jpeg"
	if detected.Type == sniffer.TypePNG {
		mime = "image/png"
		err = imaging.Encode(&buf, dst, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	} else {
		err = imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(p.opts.Quality))
	}
	if err != nil {
		return Rendition{}, fmt.Errorf("%w: encode: %v", ErrProcessing, err)
	}

	bounds := dst.Bounds()
	return Rendition{
		Data:     buf.Bytes(),
		MimeType: mime,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}, nil
}

func head(data []byte) []byte {
	if len(data) > 512 {
		return data[:512]
	}
	return data
}
