package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/vidscan/internal/api/middleware"
	"github.com/kiranshivaraju/vidscan/internal/api/response"
	"github.com/kiranshivaraju/vidscan/internal/video"
)

const (
	// UploadField is the multipart form field carrying the video.
	UploadField = "video"

	// multipart framing allowance on top of the file size limit
	multipartOverhead = 1 << 20

	msgUploaded = "video uploaded successfully"
	msgDeleted  = "job deleted successfully"
)

var errNoVideoPart = errors.New("no video part")

// VideoService is the subset of *video.Service the HTTP layer uses.
type VideoService interface {
	MaxUploadBytes() int64
	Upload(ctx context.Context, tenantID uuid.UUID, in video.UploadInput) (*video.UploadResult, error)
	Status(ctx context.Context, tenantID uuid.UUID, jobID string) (*video.StatusView, error)
	Result(ctx context.Context, tenantID uuid.UUID, jobID string) (*video.ResultView, error)
	OutputVideoPath(ctx context.Context, tenantID uuid.UUID, jobID string) (string, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*video.StatusView, error)
	Delete(ctx context.Context, tenantID uuid.UUID, jobID string) error
}

type uploadedFile struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

type uploadResponse struct {
	Message string       `json:"message"`
	JobID   string       `json:"jobId"`
	File    uploadedFile `json:"file"`
}

type messageResponse struct {
	Message string `json:"message"`
}

// NewUploadHandler streams the "video" multipart part to the service. It
// responds 202 as soon as the job is queued.
func NewUploadHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, svc.MaxUploadBytes()+multipartOverhead)

		mr, err := r.MultipartReader()
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR",
				"Expected a multipart/form-data body with a video field", nil)
			return
		}

		part, err := nextVideoPart(mr)
		if err != nil {
			writeVideoError(w, uploadPartError(err, svc.MaxUploadBytes()))
			return
		}
		defer part.Close()

		res, err := svc.Upload(r.Context(), tenantID, video.UploadInput{
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Size:        -1,
			Body:        part,
		})
		if err != nil {
			writeVideoError(w, err)
			return
		}

		response.Accepted(w, uploadResponse{
			Message: msgUploaded,
			JobID:   res.JobID,
			File:    uploadedFile{Filename: res.Filename, Path: res.Path},
		})
	}
}

// nextVideoPart skips form fields until the video file part.
func nextVideoPart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoVideoPart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == UploadField && part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func uploadPartError(err error, maxBytes int64) error {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errNoVideoPart):
		return &video.ValidationError{Reason: "no file provided"}
	case errors.As(err, &maxErr):
		return &video.ValidationError{Reason: fmt.Sprintf("file exceeds the %d MB upload limit", maxBytes>>20)}
	default:
		return &video.ValidationError{Reason: "malformed multipart body: " + err.Error()}
	}
}

// NewStatusHandler returns the job's {id, status, progress, message}.
func NewStatusHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		view, err := svc.Status(r.Context(), tenantID, chi.URLParam(r, "jobID"))
		if err != nil {
			writeVideoError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewResultHandler returns the analysis results of a complete job.
func NewResultHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		view, err := svc.Result(r.Context(), tenantID, chi.URLParam(r, "jobID"))
		if err != nil {
			writeVideoError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewDeleteHandler cancels the job if it is still running and removes it
// together with its files.
func NewDeleteHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		if err := svc.Delete(r.Context(), tenantID, chi.URLParam(r, "jobID")); err != nil {
			writeVideoError(w, err)
			return
		}
		response.JSON(w, messageResponse{Message: msgDeleted})
	}
}

// NewListJobsHandler returns a page of the tenant's jobs, newest first.
func NewListJobsHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		views, err := svc.List(r.Context(), tenantID)
		if err != nil {
			writeVideoError(w, err)
			return
		}

		if status := r.URL.Query().Get("status"); status != "" {
			filtered := views[:0]
			for _, v := range views {
				if v.Status == status {
					filtered = append(filtered, v)
				}
			}
			views = filtered
		}

		page := response.ParsePage(r)
		start, end := page.Bounds(len(views))
		response.Collection(w, views[start:end], page.Meta(len(views)))
	}
}

// NewOutputHandler serves the processed video of a complete job with range
// support.
func NewOutputHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serveOutput(w, r, svc, chi.URLParam(r, "jobID"))
	}
}

// NewProcessedFileHandler resolves the public outputVideo path
// (/uploads/processed/processed-<jobID>.mp4) to the owning job.
func NewProcessedFileHandler(svc VideoService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "file")
		jobID, ok := strings.CutPrefix(name, "processed-")
		if ok {
			jobID, ok = strings.CutSuffix(jobID, ".mp4")
		}
		if !ok || jobID == "" {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		serveOutput(w, r, svc, jobID)
	}
}

func serveOutput(w http.ResponseWriter, r *http.Request, svc VideoService, jobID string) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
		return
	}

	path, err := svc.OutputVideoPath(r.Context(), tenantID, jobID)
	if err != nil {
		writeVideoError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			response.Error(w, http.StatusNotFound, "OUTPUT_NOT_FOUND", "Processed video is not available", nil)
			return
		}
		slog.Error("failed to open processed video", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read processed video", nil)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("failed to stat processed video", "job_id", jobID, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read processed video", nil)
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// writeVideoError maps service errors onto the error envelope.
func writeVideoError(w http.ResponseWriter, err error) {
	var ve *video.ValidationError
	var nre *video.NotReadyError
	switch {
	case errors.As(err, &ve):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", ve.Reason, nil)
	case errors.Is(err, video.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.As(err, &nre):
		response.Error(w, http.StatusBadRequest, "JOB_NOT_COMPLETE", "Job is not complete yet", map[string]string{
			"status":  nre.Status,
			"message": nre.Message,
		})
	default:
		slog.Error("video request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
