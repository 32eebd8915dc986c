// Package intake streams multipart/form-data scan submissions into text
// fields and temporary files.
package intake

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxFileSize is the per-file ceiling used when Options leaves it unset.
	DefaultMaxFileSize = 20 * 1024 * 1024

	// DefaultMaxFieldBytes bounds the combined size of all text fields.
	DefaultMaxFieldBytes = 1024 * 1024

	maxExtensionLength = 10
)

var (
	// ErrFileTooLarge reports a file part larger than Options.MaxFileSize.
	ErrFileTooLarge = errors.New("file exceeds size limit")

	// ErrFieldsTooLarge reports text fields larger than Options.MaxFieldBytes.
	ErrFieldsTooLarge = errors.New("form fields exceed size limit")
)

// MalformedRequestError is returned when the request body cannot be consumed
// as a multipart form within the configured limits.
type MalformedRequestError struct {
	Reason string
	Err    error
}

func (e *MalformedRequestError) Error() string {
	if e.Err == nil {
		return "malformed request: " + e.Reason
	}
	return fmt.Sprintf("malformed request: %s: %v", e.Reason, e.Err)
}

func (e *MalformedRequestError) Unwrap() error {
	return e.Err
}

// UploadedFile describes one file part written to transient storage.
type UploadedFile struct {
	FieldName        string
	OriginalFilename string
	StoragePath      string
	MimeType         string
	Size             int64
}

// Upload is the parsed request: its text fields and the files written to
// disk. Callers own the files and must call Cleanup.
type Upload struct {
	Fields Fields
	Files  []UploadedFile
}

// Options configures Parse.
type Options struct {
	// Dir is where file parts are written. Empty means os.TempDir().
	Dir string

	MaxFileSize   int64
	MaxFieldBytes int64
}

func (o Options) withDefaults() Options {
	if o.MaxFileSize <= 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.MaxFieldBytes <= 0 {
		o.MaxFieldBytes = DefaultMaxFieldBytes
	}
	return o
}

// Parse reads the multipart body of r. Text parts become Fields; file parts
// are streamed to temporary files. On error every temporary file created so
// far has already been removed.
func Parse(r *http.Request, opts Options) (_ *Upload, err error) {
	opts = opts.withDefaults()

	reader, err := r.MultipartReader()
	if err != nil {
		return nil, &MalformedRequestError{Reason: "not a multipart form", Err: err}
	}

	upload := &Upload{Fields: Fields{}}
	defer func() {
		if err != nil {
			if cleanupErr := upload.Cleanup(); cleanupErr != nil {
				slog.Warn("failed to remove partial uploads", "error", cleanupErr)
			}
		}
	}()

	remainingFieldBytes := opts.MaxFieldBytes
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(r, err)
		}

		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}

		if !isFilePart(part.Header.Get("Content-Disposition")) {
			data, err := io.ReadAll(io.LimitReader(part, remainingFieldBytes+1))
			part.Close()
			if err != nil {
				return nil, readError(r, err)
			}
			if int64(len(data)) > remainingFieldBytes {
				return nil, &MalformedRequestError{Reason: fmt.Sprintf("field %q", name), Err: ErrFieldsTooLarge}
			}
			remainingFieldBytes -= int64(len(data))
			upload.Fields.Add(name, string(data))
			continue
		}

		filename := part.FileName()
		if filename == "" {
			// "no file chosen" in a browser form
			part.Close()
			continue
		}

		if err := upload.store(r, name, filename, part.Header.Get("Content-Type"), part, opts); err != nil {
			part.Close()
			return nil, err
		}
		part.Close()
	}

	return upload, nil
}

// store streams one file part into a new temporary file.
func (u *Upload) store(r *http.Request, field, filename, mimeType string, src io.Reader, opts Options) error {
	f, err := os.CreateTemp(opts.Dir, "scan-*"+safeExtension(filename))
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	u.Files = append(u.Files, UploadedFile{
		FieldName:        field,
		OriginalFilename: filename,
		StoragePath:      f.Name(),
		MimeType:         mimeType,
	})
	entry := &u.Files[len(u.Files)-1]

	n, copyErr := io.Copy(f, io.LimitReader(src, opts.MaxFileSize+1))
	closeErr := f.Close()
	entry.Size = n

	if copyErr != nil {
		return readError(r, copyErr)
	}
	if n > opts.MaxFileSize {
		return &MalformedRequestError{
			Reason: fmt.Sprintf("file %q in field %q is larger than %d bytes", filename, field, opts.MaxFileSize),
			Err:    ErrFileTooLarge,
		}
	}
	if closeErr != nil {
		return fmt.Errorf("failed to write temporary file: %w", closeErr)
	}

	slog.Debug("stored upload",
		"field", field,
		"filename", filename,
		"size", n,
	)
	return nil
}

// Cleanup removes every temporary file. Files that are already gone are
// ignored. It is safe to call more than once.
func (u *Upload) Cleanup() error {
	if u == nil {
		return nil
	}
	var errs []error
	for _, f := range u.Files {
		if err := os.Remove(f.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readError wraps a body read failure, noting a client disconnect when the
// request context is already done.
func readError(r *http.Request, err error) error {
	reason := "failed to read multipart body"
	if r.Context().Err() != nil {
		reason = "client disconnected"
	}
	return &MalformedRequestError{Reason: reason, Err: err}
}

// isFilePart reports whether the Content-Disposition carries a filename
// parameter, even an empty one.
func isFilePart(disposition string) bool {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return false
	}
	_, ok := params["filename"]
	return ok
}

// safeExtension keeps a short alphanumeric extension so temporary files keep
// a recognisable type without trusting the client-supplied name.
func safeExtension(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) < 2 || len(ext) > maxExtensionLength {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}
