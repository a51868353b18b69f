package transport

import (
	"net/http"

	waspErrors "wasp/internal/errors"
)

// NotFound maps a 404 to RecordNotFoundError.
func NotFound(path string) Classifier {
	return func(status int, body string) error {
		if status == http.StatusNotFound {
			return &waspErrors.RecordNotFoundError{Path: path, Body: body}
		}
		return nil
	}
}

// Immutable maps 409, or a 400 or 403 whose body names immutability, to
// RecordImmutableError. Any other 403 is an authorization failure and stops
// as a StatusError.
func Immutable(path string) Classifier {
	return func(status int, body string) error {
		switch {
		case status == http.StatusConflict:
			return &waspErrors.RecordImmutableError{Path: path, Body: body}
		case (status == http.StatusBadRequest || status == http.StatusForbidden) && waspErrors.MentionsImmutable(body):
			return &waspErrors.RecordImmutableError{Path: path, Body: body}
		case status == http.StatusForbidden:
			return &waspErrors.StatusError{StatusCode: status, Body: body}
		}
		return nil
	}
}

// Status stops on any of statuses and returns the response as a StatusError.
func Status(statuses ...int) Classifier {
	return func(status int, body string) error {
		for _, candidate := range statuses {
			if candidate == status {
				return &waspErrors.StatusError{StatusCode: status, Body: body}
			}
		}
		return nil
	}
}

// ClientErrors stops on every 4xx response.
func ClientErrors() Classifier {
	return func(status int, body string) error {
		if status >= 400 && status < 500 {
			return &waspErrors.StatusError{StatusCode: status, Body: body}
		}
		return nil
	}
}

// Chain returns the first non-nil classification.
func Chain(classifiers ...Classifier) Classifier {
	return func(status int, body string) error {
		for _, classify := range classifiers {
			if classify == nil {
				continue
			}
			if err := classify(status, body); err != nil {
				return err
			}
		}
		return nil
	}
}
