package service

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrNoMedia is returned by the selector when a post has nothing to publish.
var ErrNoMedia = errors.New("no media available")

// ErrInvalidCredentials means the linked account token could not be used.
var ErrInvalidCredentials = errors.New("invalid account credentials")

// ErrDispatchInProgress means another delivery of the same firing holds the
// claim and has not finished yet.
var ErrDispatchInProgress = errors.New("dispatch already in progress")

type ValidationError string

func (err ValidationError) Error() string {
	return string(err)
}

func (err ValidationError) ErrCode() string {
	return "VALIDATION_ERROR"
}

func (err ValidationError) StatusCode() int {
	return http.StatusBadRequest
}

type NotFoundError string

func (err NotFoundError) Error() string {
	return string(err)
}

func (err NotFoundError) ErrCode() string {
	return "NOT_FOUND_ERROR"
}

func (err NotFoundError) StatusCode() int {
	return http.StatusNotFound
}

// ConflictError means the post kept changing underneath an edit.
type ConflictError string

func (err ConflictError) Error() string {
	return string(err)
}

func (err ConflictError) ErrCode() string {
	return "CONFLICT_ERROR"
}

func (err ConflictError) StatusCode() int {
	return http.StatusConflict
}

type StorageError struct {
	Op  string
	Err error
}

func (err *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", err.Op, err.Err)
}

func (err *StorageError) Unwrap() error {
	return err.Err
}

func (err *StorageError) ErrCode() string {
	return "STORAGE_ERROR"
}

func (err *StorageError) StatusCode() int {
	return http.StatusInternalServerError
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// DispatchError is a failed delivery to the publishing webhook.
type DispatchError struct {
	PostID     int64
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (err *DispatchError) Error() string {
	if err.HTTPStatus != 0 {
		return fmt.Sprintf("dispatch post %d: webhook returned status %d", err.PostID, err.HTTPStatus)
	}
	return fmt.Sprintf("dispatch post %d: %v", err.PostID, err.Err)
}

func (err *DispatchError) Unwrap() error {
	return err.Err
}

func (err *DispatchError) ErrCode() string {
	return "DISPATCH_ERROR"
}

func (err *DispatchError) StatusCode() int {
	return http.StatusBadGateway
}

// QueueInconsistencyError reports that the store and the job queue
// disagree about a post. The post itself was persisted.
type QueueInconsistencyError struct {
	PostID int64
	FireAt time.Time
	Err    error
}

func (err *QueueInconsistencyError) Error() string {
	return fmt.Sprintf("post %d persisted but job for %s not registered: %v",
		err.PostID, err.FireAt.UTC().Format(time.RFC3339), err.Err)
}

func (err *QueueInconsistencyError) Unwrap() error {
	return err.Err
}

func (err *QueueInconsistencyError) ErrCode() string {
	return "QUEUE_INCONSISTENCY"
}

func (err *QueueInconsistencyError) StatusCode() int {
	return http.StatusAccepted
}

// IsRetryable reports whether a dispatch failure may succeed on redelivery.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoMedia) || errors.Is(err, ErrInvalidCredentials) {
		return false
	}
	var ve ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return true
}
