package arcgis

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGeometryTypeRequired is returned when a query has a geometry but no
	// geometry type.
	ErrGeometryTypeRequired = errors.New("geometry type is required when geometry is provided")

	// ErrInvalidLayer is returned for negative layer ids.
	ErrInvalidLayer = errors.New("invalid layer id")
)

// APIError is an error payload returned by the service, usually with HTTP 200.
type APIError struct {
	URL     string
	Code    int
	Message string
	Details []string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "ArcGIS REST error"
	}
	s := fmt.Sprintf("ArcGIS error %d from %s: %s", e.Code, e.URL, msg)
	if len(e.Details) > 0 {
		s += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return s
}

type apiErrorWire struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details"`
}

func (w *apiErrorWire) toError(url string) error {
	if w == nil {
		return nil
	}
	apiErrorsTotal.WithLabelValues(fmt.Sprint(w.Code)).Inc()
	return &APIError{URL: url, Code: w.Code, Message: w.Message, Details: w.Details}
}
