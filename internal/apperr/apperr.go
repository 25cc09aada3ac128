// Package apperr defines the tagged error returned across the HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	BadRequest   Kind = "bad_request"
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	RateLimit    Kind = "rate_limit"
	Offline      Kind = "offline"
)

type Surface string

const (
	SurfaceChat        Surface = "chat"
	SurfaceAuth        Surface = "auth"
	SurfaceAPI         Surface = "api"
	SurfaceStream      Surface = "stream"
	SurfaceDatabase    Surface = "database"
	SurfaceHistory     Surface = "history"
	SurfaceVote        Surface = "vote"
	SurfaceDocument    Surface = "document"
	SurfaceSuggestions Surface = "suggestions"
	SurfaceCopilot     Surface = "copilot"
	SurfaceSearch      Surface = "search"
	SurfaceWeather     Surface = "weather"
	SurfaceStocks      Surface = "stocks"
	SurfaceModels      Surface = "models"
	SurfaceFiles       Surface = "files"
)

// Error is a classified failure. Code renders as "<kind>:<surface>".
type Error struct {
	Kind    Kind
	Surface Surface
	Cause   string
	Err     error
}

// New builds an Error with an optional human readable cause.
func New(kind Kind, surface Surface, cause string) *Error {
	return &Error{Kind: kind, Surface: surface, Cause: cause}
}

// Wrap builds an Error around an underlying error.
func Wrap(kind Kind, surface Surface, err error) *Error {
	e := &Error{Kind: kind, Surface: surface, Err: err}
	if err != nil {
		e.Cause = err.Error()
	}
	return e
}

func (e *Error) Code() string {
	return string(e.Kind) + ":" + string(e.Surface)
}

func (e *Error) Error() string {
	if e.Cause == "" {
		return e.Code()
	}
	return fmt.Sprintf("%s: %s", e.Code(), e.Cause)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode maps the kind onto an HTTP status.
func (e *Error) StatusCode() int {
	switch e.Kind {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case RateLimit:
		return http.StatusTooManyRequests
	case Offline:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the user facing message for the error.
func (e *Error) Message() string {
	if e.Surface == SurfaceDatabase {
		return "An error occurred while executing a database query."
	}
	switch e.Code() {
	case "bad_request:api":
		return "The request couldn't be processed. Please check your input and try again."
	case "unauthorized:auth":
		return "You need to sign in before continuing."
	case "forbidden:auth":
		return "Your account does not have access to this feature."
	case "rate_limit:chat":
		return "You have exceeded your maximum number of messages for the day. Please try again later."
	case "not_found:chat":
		return "The requested chat was not found. Please check the chat ID and try again."
	case "forbidden:chat":
		return "This chat belongs to another user. Please check the chat ID and try again."
	case "unauthorized:chat":
		return "You need to sign in to view this chat. Please sign in and try again."
	case "offline:chat":
		return "We're having trouble sending your message. Please check your internet connection and try again."
	case "not_found:stream":
		return "No stream was found for this chat."
	case "not_found:document":
		return "The requested document was not found. Please check the document ID and try again."
	case "forbidden:document":
		return "This document belongs to another user. Please check the document ID and try again."
	case "unauthorized:document":
		return "You need to sign in to view this document. Please sign in and try again."
	case "bad_request:document":
		return "The request to create or update the document was invalid. Please check your input and try again."
	case "bad_request:copilot":
		return "There is no pending GitHub Copilot connection. Start the connection again."
	case "unauthorized:copilot":
		return "Connect your GitHub Copilot account before using Copilot models."
	}
	return "Something went wrong. Please try again later."
}

// Body is the JSON response for a classified error.
type Body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Cause   string `json:"cause,omitempty"`
}

// ToBody renders the response body. Database causes are not exposed.
func (e *Error) ToBody() Body {
	b := Body{Code: e.Code(), Message: e.Message()}
	if e.Surface != SurfaceDatabase {
		b.Cause = e.Cause
	}
	return b
}

// As extracts an *Error from err.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is an *Error with the given kind and surface.
func Is(err error, kind Kind, surface Surface) bool {
	e, ok := As(err)
	return ok && e.Kind == kind && e.Surface == surface
}
