package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type envelope struct {
	Data any `json:"data"`
}

type collectionEnvelope struct {
	Data any            `json:"data"`
	Meta PaginationMeta `json:"meta"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type PaginationMeta struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasNext bool `json:"hasNext"`
}

// Page is a parsed page/limit query pair.
type Page struct {
	Number int
	Limit  int
}

// ParsePage reads ?page= and ?limit=, falling back to page 1 and
// DefaultPageLimit on missing or invalid values.
func ParsePage(r *http.Request) Page {
	p := Page{Number: 1, Limit: DefaultPageLimit}
	if n, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && n > 0 {
		p.Number = n
	}
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxPageLimit)
	}
	return p
}

// Bounds returns the slice bounds of the page within total items.
func (p Page) Bounds(total int) (start, end int) {
	start = min((p.Number-1)*p.Limit, total)
	end = min(start+p.Limit, total)
	return start, end
}

// Meta builds the pagination metadata for total items.
func (p Page) Meta(total int) PaginationMeta {
	_, end := p.Bounds(total)
	return PaginationMeta{Page: p.Number, Limit: p.Limit, Total: total, HasNext: end < total}
}

func JSON(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Data: data})
}

func Created(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, envelope{Data: data})
}

func Accepted(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusAccepted, envelope{Data: data})
}

func Collection(w http.ResponseWriter, data any, meta PaginationMeta) {
	writeJSON(w, http.StatusOK, collectionEnvelope{Data: data, Meta: meta})
}

func Error(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response body", "error", err)
	}
}
