// Package species holds the identification request and result types shared
// by the HTTP layer and the classification adapters.
package species

import (
	"strings"
)

// MaxImageBytes is the default upper bound for an uploaded photo (8 MiB).
const MaxImageBytes int64 = 8 * 1024 * 1024

// DefaultFilename is sent upstream when the client omitted one.
const DefaultFilename = "upload"

// Placeholders returned when the classifier omits a name.
const (
	UnknownScientificName = "Nama latin tidak ditemukan"
	UnknownCommonName     = "Nama lokal belum tersedia"
)

// allowedContentTypes is the set of declared MIME types the classifier accepts.
var allowedContentTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// Image is a photo received from a client. It is consumed once and never persisted.
type Image struct {
	Data        []byte
	Filename    string
	ContentType string
	Size        int64
}

// Result is the best-guess species for an image.
type Result struct {
	ScientificName string `json:"scientificName"`
	CommonName     string `json:"commonName"`
}

// NewResult builds a Result, replacing empty names with placeholders.
func NewResult(scientific, common string) Result {
	scientific = strings.TrimSpace(scientific)
	common = strings.TrimSpace(common)
	if scientific == "" {
		scientific = UnknownScientificName
	}
	if common == "" {
		common = UnknownCommonName
	}
	return Result{ScientificName: scientific, CommonName: common}
}

// AllowedContentType reports whether the declared type is accepted.
// Matching is exact on the media type; parameters are ignored.
func AllowedContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	_, ok := allowedContentTypes[strings.ToLower(strings.TrimSpace(mediaType))]
	return ok
}

// UploadName returns the filename to use upstream.
func (i Image) UploadName() string {
	if strings.TrimSpace(i.Filename) == "" {
		return DefaultFilename
	}
	return i.Filename
}
