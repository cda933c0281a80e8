package service

import (
	"errors"
	"fmt"

	"eyecare/api/internal/access"
	"eyecare/api/internal/media/pipeline"
	"eyecare/api/internal/repository"
	"eyecare/api/internal/storage"
)

var (
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFileTooLarge       = errors.New("file too large")
	ErrCaseNotFound       = errors.New("case not found")
	ErrImageNotFound      = errors.New("image not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrProcessingFailure  = errors.New("image processing failed")
	ErrEmptyFile          = errors.New("empty file")
	ErrInvalidKey         = errors.New("invalid storage key")
	ErrInvalidMetadata    = errors.New("invalid image metadata")
	ErrUnsupported        = errors.New("not supported by active storage backend")
	ErrObjectExists       = errors.New("object already exists")
)

func pipelineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrEmpty):
		return fmt.Errorf("%w: %w", ErrEmptyFile, err)
	case errors.Is(err, pipeline.ErrFileTooLarge):
		return fmt.Errorf("%w: %w", ErrFileTooLarge, err)
	case errors.Is(err, pipeline.ErrInvalidFileType):
		return fmt.Errorf("%w: %w", ErrInvalidFileType, err)
	default:
		return fmt.Errorf("%w: %w", ErrProcessingFailure, err)
	}
}

func storageError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrImageNotFound)
	case errors.Is(err, storage.ErrInvalidKey):
		return fmt.Errorf("%s: %w", op, ErrInvalidKey)
	case errors.Is(err, storage.ErrExists):
		return fmt.Errorf("%s: %w", op, ErrObjectExists)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
	}
}

// accessError maps a guard result for kind onto the taxonomy. A missing
// resource stays distinct from a forbidden one.
func accessError(kind access.Kind, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrNotFound):
		if kind == access.KindImage {
			return ErrImageNotFound
		}
		return ErrCaseNotFound
	case errors.Is(err, access.ErrDenied):
		return ErrAccessDenied
	default:
		return fmt.Errorf("authorize %s: %w", kind, err)
	}
}

func recordError(err error) error {
	if errors.Is(err, repository.ErrImageNotFound) {
		return ErrImageNotFound
	}
	return err
}
