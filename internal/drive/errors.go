package drive

import (
	"errors"
	"net/http"

	"google.golang.org/api/googleapi"
)

// Sentinel errors for Drive API status classification.
// Use errors.Is(err, drive.ErrNotFound) to check.
var (
	ErrNotFound  = errors.New("drive: not found")
	ErrGone      = errors.New("drive: resource gone")
	ErrThrottled = errors.New("drive: rate limited")
	ErrForbidden = errors.New("drive: forbidden")
)

// classify maps a googleapi error onto a sentinel while keeping the original
// error in the chain. Non-API errors pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusNotFound:
		return errors.Join(ErrNotFound, err)
	case http.StatusGone:
		return errors.Join(ErrGone, err)
	case http.StatusTooManyRequests:
		return errors.Join(ErrThrottled, err)
	case http.StatusForbidden:
		return errors.Join(ErrForbidden, err)
	default:
		return err
	}
}
