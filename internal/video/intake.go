package video

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultMaxUploadBytes is the upload size ceiling (500 MiB).
	DefaultMaxUploadBytes int64 = 500 << 20

	// PublicPrefix is the URL prefix artifacts are exposed under.
	PublicPrefix = "/uploads"

	processedDirName = "processed"
)

var allowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

var errTooLarge = errors.New("upload exceeds size limit")

// UploadInput is one uploaded video as received from the transport layer.
// Size is -1 when unknown.
type UploadInput struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadResult is returned to the caller as soon as the job is queued.
type UploadResult struct {
	JobID    string
	Filename string
	Path     string
}

// validateUpload checks name, type and declared size. The extension is
// authoritative: a video content type never rescues a disallowed extension.
func validateUpload(in UploadInput, maxBytes int64) (string, error) {
	if in.Body == nil || strings.TrimSpace(in.Filename) == "" {
		return "", &ValidationError{Reason: "no file provided"}
	}

	ext := strings.ToLower(filepath.Ext(in.Filename))
	if !allowedExtensions[ext] {
		return "", &ValidationError{Reason: "only video files (mp4, mov, avi, mkv, webm) are allowed"}
	}

	if in.ContentType != "" {
		mediaType, _, err := mime.ParseMediaType(in.ContentType)
		if err != nil {
			return "", &ValidationError{Reason: fmt.Sprintf("invalid content type %q", in.ContentType)}
		}
		if mediaType != "application/octet-stream" && !strings.HasPrefix(mediaType, "video/") {
			return "", &ValidationError{Reason: fmt.Sprintf("content type %q is not a video", mediaType)}
		}
	}

	if in.Size > maxBytes {
		return "", tooLarge(maxBytes)
	}
	return ext, nil
}

func tooLarge(maxBytes int64) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf("file exceeds the %d MB upload limit", maxBytes>>20)}
}

// storedName builds video-<unixmillis>-<8 hex><ext>.
func storedName(now time.Time, ext string) (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate upload name: %w", err)
	}
	return fmt.Sprintf("video-%d-%s%s", now.UnixMilli(), hex.EncodeToString(b[:]), ext), nil
}

// saveUpload copies body to path, enforcing maxBytes. A partial or oversize
// file is removed.
func saveUpload(path string, body io.Reader, maxBytes int64) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create upload file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close upload file: %w", cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	n, err := io.Copy(f, io.LimitReader(body, maxBytes+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errTooLarge
		}
		return fmt.Errorf("write upload file: %w", err)
	}
	if n > maxBytes {
		return errTooLarge
	}
	return nil
}

func processedVideoName(jobID string) string {
	return fmt.Sprintf("processed-%s.mp4", jobID)
}

func resultsName(jobID string) string {
	return fmt.Sprintf("results-%s.json", jobID)
}

// PublicPath maps a stored upload file name to its public URL path.
func PublicPath(filename string) string {
	return PublicPrefix + "/" + filename
}

// ProcessedVideoPublicPath is the public URL path of a job's processed video.
func ProcessedVideoPublicPath(jobID string) string {
	return PublicPrefix + "/" + processedDirName + "/" + processedVideoName(jobID)
}
