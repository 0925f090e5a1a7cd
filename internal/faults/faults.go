// Package faults classifies errors from the document engine, blob storage
// and job backend into a fixed taxonomy that drives retry decisions and
// user-facing messages.
package faults

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class identifies a category of failure.
type Class string

const (
	ClassNetwork      Class = "network"
	ClassServer       Class = "server"
	ClassMemory       Class = "memory_exceeded"
	ClassTimeout      Class = "timeout"
	ClassUnauthorized Class = "unauthorized"
	ClassFileNotFound Class = "file_not_found"
	ClassFileTooLarge Class = "file_too_large"
	ClassInvalidType  Class = "invalid_type"
	ClassProcessing   Class = "processing_failed"
	ClassStorageQuota Class = "storage_quota"
	ClassStorageWrite Class = "storage_write_failed"
)

// Domain sentinel errors. Collaborators wrap these so classification does
// not depend on message sniffing for the common cases.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrPageOutOfRange  = errors.New("page out of range")
	ErrCorruptedFile   = errors.New("corrupted file")
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrStorageQuota    = errors.New("storage quota exceeded")
)

// HTTPError carries the status code of a failed remote call so server
// errors can be split into retryable (5xx) and permanent (4xx).
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request to %s failed: %s", e.URL, e.Status)
}

// Classify maps an error to its taxonomy class. Typed errors win; message
// substrings are the fallback for errors from third-party code.
func Classify(err error) Class {
	if err == nil {
		return ClassProcessing
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 401 || httpErr.StatusCode == 403:
			return ClassUnauthorized
		case httpErr.StatusCode == 404:
			return ClassFileNotFound
		case httpErr.StatusCode == 408:
			return ClassTimeout
		case httpErr.StatusCode == 413:
			return ClassFileTooLarge
		case httpErr.StatusCode == 507:
			return ClassStorageQuota
		default:
			return ClassServer
		}
	}

	switch {
	case errors.Is(err, ErrFileNotFound):
		return ClassFileNotFound
	case errors.Is(err, ErrFileTooLarge):
		return ClassFileTooLarge
	case errors.Is(err, ErrUnsupportedType):
		return ClassInvalidType
	case errors.Is(err, ErrStorageQuota):
		return ClassStorageQuota
	case errors.Is(err, ErrPageOutOfRange), errors.Is(err, ErrCorruptedFile):
		return ClassProcessing
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "connection reset", "no such host", "network is unreachable", "broken pipe", "unexpected eof"):
		return ClassNetwork
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ClassTimeout
	case containsAny(msg, "out of memory", "memory limit", "cannot allocate"):
		return ClassMemory
	case containsAny(msg, "unauthorized", "unauthorised", "forbidden", "permission denied"):
		return ClassUnauthorized
	case containsAny(msg, "quota"):
		return ClassStorageQuota
	case containsAny(msg, "no space left", "write failed", "read-only file system"):
		return ClassStorageWrite
	case containsAny(msg, "not found", "no such file", "does not exist"):
		return ClassFileNotFound
	case containsAny(msg, "too large", "exceeds maximum", "file size"):
		return ClassFileTooLarge
	case containsAny(msg, "unsupported", "invalid type", "not a pdf"):
		return ClassInvalidType
	case containsAny(msg, "server error", "bad gateway", "service unavailable"):
		return ClassServer
	default:
		return ClassProcessing
	}
}

// Recoverable reports whether errors of the class are worth retrying at
// all. Server errors are recoverable only for 5xx responses, which
// Classify already folds into ClassServer.
func Recoverable(c Class) bool {
	switch c {
	case ClassNetwork, ClassServer, ClassTimeout, ClassMemory:
		return true
	default:
		return false
	}
}

// ShouldRetry decides whether a retry loop should attempt the operation
// again. Memory pressure is retryable; the retry loop itself issues the
// GC hint before the next attempt.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	class := Classify(err)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && class == ClassServer {
		return httpErr.StatusCode >= 500
	}

	return Recoverable(class)
}

// userMessages maps each class to a stable string that does not leak
// internal paths or infrastructure details.
var userMessages = map[Class]string{
	ClassNetwork:      "A network error occurred. Please try again.",
	ClassServer:       "The service is temporarily unavailable. Please try again shortly.",
	ClassMemory:       "The operation needs more memory than is available. Try fewer or smaller files.",
	ClassTimeout:      "The operation took too long and was stopped.",
	ClassUnauthorized: "You are not authorised to perform this operation.",
	ClassFileNotFound: "A referenced file could not be found.",
	ClassFileTooLarge: "A file exceeds the maximum allowed size.",
	ClassInvalidType:  "A file has an unsupported format.",
	ClassProcessing:   "The document could not be processed. It may be damaged.",
	ClassStorageQuota: "Storage quota exceeded. Free up space and try again.",
	ClassStorageWrite: "The result could not be saved. Please try again.",
}

// UserMessage returns the human-facing message for an error.
func UserMessage(err error) string {
	if msg, ok := userMessages[Classify(err)]; ok {
		return msg
	}
	return userMessages[ClassProcessing]
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
