// Package objectkey derives storage keys for uploaded images and their
// thumbnails. Keys are never recycled: every call to New mints a fresh one.
package objectkey

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultExtension = "jpg"
	ThumbnailSuffix  = "_thumb"
	casePrefix       = "cases/"
)

// New returns "[folder/]<unix-millis>-<uuid>.<ext>". The extension comes from
// the original file name and defaults to jpg.
func New(originalFileName, folder string) string {
	return newKey(Extension(originalFileName), folder)
}

// NewForMIME is New with the extension taken from the stored content type,
// so a key always names the format of its bytes. Unknown types fall back to
// the original file name.
func NewForMIME(originalFileName, mimeType, folder string) string {
	ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]
	if !ok {
		ext = Extension(originalFileName)
	}
	return newKey(ext, folder)
}

var mimeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
}

func newKey(ext, folder string) string {
	name := fmt.Sprintf("%d-%s.%s", time.Now().UnixMilli(), uuid.NewString(), ext)
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return name
	}
	return folder + "/" + name
}

// CaseFolder is the conventional folder for images belonging to a case.
func CaseFolder(caseID string) string {
	return casePrefix + caseID
}

// Extension returns the lower-cased extension of fileName without the dot.
func Extension(fileName string) string {
	ext := strings.TrimPrefix(path.Ext(path.Base(fileName)), ".")
	if ext == "" || strings.ContainsAny(ext, `/\ `) {
		return DefaultExtension
	}
	return strings.ToLower(ext)
}

// ThumbnailOf maps a primary key to its thumbnail key. It is pure and may be
// called for keys whose thumbnail was never written.
func ThumbnailOf(primaryKey string) string {
	ext := path.Ext(primaryKey)
	if ext == "" || strings.Contains(ext, "/") {
		return primaryKey + ThumbnailSuffix
	}
	return strings.TrimSuffix(primaryKey, ext) + ThumbnailSuffix + ext
}

func IsThumbnail(key string) bool {
	ext := path.Ext(key)
	return strings.HasSuffix(strings.TrimSuffix(key, ext), ThumbnailSuffix)
}

// PrimaryOf inverts ThumbnailOf. Keys that are not thumbnails are returned
// unchanged.
func PrimaryOf(key string) string {
	if !IsThumbnail(key) {
		return key
	}
	ext := path.Ext(key)
	return strings.TrimSuffix(strings.TrimSuffix(key, ext), ThumbnailSuffix) + ext
}

// CaseIDOf extracts the case id from a key minted under CaseFolder.
func CaseIDOf(key string) (string, bool) {
	if !strings.HasPrefix(key, casePrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, casePrefix)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", false
	}
	return rest[:idx], true
}

// Valid rejects keys that could escape a backend's namespace.
func Valid(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
