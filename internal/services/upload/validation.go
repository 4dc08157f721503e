package upload

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const bytesPerMB = 1 << 20

// extensions some platform mime tables do not know about
var extraExtensions = map[string]string{
	".heic": "image/heic",
	".heif": "image/heic",
	".jpe":  "image/jpeg",
	".webp": "image/webp",
}

// ValidationError represents a validation error with field context
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validator checks files against the allowed media types and size limit
type Validator struct {
	allowed map[string]bool
	maxSize int64
}

// NewValidator creates a validator. maxSize is in bytes.
func NewValidator(allowedTypes []string, maxSize int64) *Validator {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[normalizeMediaType(t)] = true
	}
	return &Validator{allowed: allowed, maxSize: maxSize}
}

// Validate returns nil when the file may be uploaded, or a *ValidationError
func (v *Validator) Validate(f FileDescriptor) error {
	mediaType := MediaTypeOf(f)
	if mediaType == "" {
		return &ValidationError{"MediaType", fmt.Sprintf("cannot determine file type of %s", f.Name)}
	}
	if !v.allowed[mediaType] {
		return &ValidationError{"MediaType", fmt.Sprintf("unsupported file type %s", mediaType)}
	}

	if f.Size <= 0 {
		return &ValidationError{"Size", "file is empty"}
	}
	if v.maxSize > 0 && f.Size > v.maxSize {
		return &ValidationError{"Size", fmt.Sprintf("file exceeds the %s limit", formatSize(v.maxSize))}
	}

	return nil
}

// Partition splits files into the valid subset and one rejection per invalid file
func (v *Validator) Partition(files []FileDescriptor) ([]FileDescriptor, []Rejection) {
	valid := make([]FileDescriptor, 0, len(files))
	var rejected []Rejection

	for _, f := range files {
		if err := v.Validate(f); err != nil {
			rejected = append(rejected, Rejection{File: f, Reason: err.Error()})
			continue
		}
		f.MediaType = MediaTypeOf(f)
		valid = append(valid, f)
	}

	return valid, rejected
}

// MediaTypeOf returns the declared media type, falling back to the file extension
func MediaTypeOf(f FileDescriptor) string {
	if t := normalizeMediaType(f.MediaType); t != "" {
		return t
	}

	name := f.Name
	if name == "" {
		name = f.Path
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if t, ok := extraExtensions[ext]; ok {
		return t
	}
	return normalizeMediaType(mime.TypeByExtension(ext))
}

// DescribeFile builds a descriptor for a file on disk, sniffing its content type
func DescribeFile(path string) (FileDescriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileDescriptor{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return FileDescriptor{}, fmt.Errorf("%s is a directory", path)
	}

	desc := FileDescriptor{
		Name: filepath.Base(path),
		Size: info.Size(),
		Path: path,
	}

	// Empty files are left for Validate to reject
	if info.Size() > 0 {
		mt, err := mimetype.DetectFile(path)
		if err != nil {
			return FileDescriptor{}, fmt.Errorf("failed to detect file type: %w", err)
		}
		// octet-stream means detection gave up; let the extension decide
		if !mt.Is("application/octet-stream") {
			desc.MediaType = normalizeMediaType(mt.String())
		}
	}

	return desc, nil
}

// UploadTimeout is the adaptive deadline for one upload attempt:
// max(minimum, sizeMB × perMB)
func UploadTimeout(size int64, minimum, perMB time.Duration) time.Duration {
	scaled := time.Duration(float64(size) / bytesPerMB * float64(perMB))
	if scaled < minimum {
		return minimum
	}
	return scaled
}

func normalizeMediaType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if t == "image/jpg" || t == "image/pjpeg" {
		return "image/jpeg"
	}
	return t
}

func formatSize(n int64) string {
	if n%bytesPerMB == 0 {
		return fmt.Sprintf("%d MB", n/bytesPerMB)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/bytesPerMB)
}
