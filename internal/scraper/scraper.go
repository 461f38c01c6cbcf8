package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/price-tracker/internal/models"
)

// Fetcher retrieves the raw markup of a product page.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*models.RawPage, error)
}

// ErrorKind classifies why a fetch produced no page.
type ErrorKind int

const (
	KindURLNotExist ErrorKind = iota + 1
	KindCannotConnect
	KindStatus
)

func (k ErrorKind) String() string {
	switch k {
	case KindURLNotExist:
		return "url_not_exist"
	case KindCannotConnect:
		return "cannot_connect"
	case KindStatus:
		return "fetch_error"
	default:
		return "unknown"
	}
}

// FetchError is returned for every failed fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindURLNotExist:
		return fmt.Sprintf("that URL does not exist: %s", e.URL)
	case KindCannotConnect:
		return fmt.Sprintf("cannot connect to %s: %v", e.URL, e.Err)
	case KindStatus:
		return fmt.Sprintf("error: %d fetching %s", e.StatusCode, e.URL)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err, or 0 if err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

func urlNotExist(rawURL string, err error) *FetchError {
	return &FetchError{Kind: KindURLNotExist, URL: rawURL, Err: err}
}

func cannotConnect(rawURL string, err error) *FetchError {
	return &FetchError{Kind: KindCannotConnect, URL: rawURL, Err: err}
}

func badStatus(rawURL string, code int) *FetchError {
	return &FetchError{Kind: KindStatus, URL: rawURL, StatusCode: code}
}
