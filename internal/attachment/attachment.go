// Package attachment turns uploaded files into in-memory message attachments.
package attachment

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/intake"
)

const octetStream = "application/octet-stream"

// ReadError reports an uploaded file that could not be read. It is never
// fatal to a submission.
type ReadError struct {
	File intake.UploadedFile
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read upload %q (field %q): %v", e.File.OriginalFilename, e.File.FieldName, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Result is the outcome of reading one uploaded file.
type Result struct {
	Attachment email.Attachment
	Err        error
}

// Read loads one uploaded file from its storage path. The file is not
// modified.
func Read(file intake.UploadedFile) (email.Attachment, error) {
	content, err := os.ReadFile(file.StoragePath)
	if err != nil {
		return email.Attachment{}, &ReadError{File: file, Err: err}
	}

	filename := file.OriginalFilename
	if filename == "" {
		filename = filepath.Base(file.StoragePath)
	}

	return email.Attachment{
		Filename:    filename,
		ContentType: contentType(file, filename, content),
		Content:     content,
	}, nil
}

// ReadAll reads every file, returning one Result per input in the same order.
// Files not yet read when ctx is done are reported with the context error.
func ReadAll(ctx context.Context, files []intake.UploadedFile) []Result {
	results := make([]Result, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Err: &ReadError{File: file, Err: err}})
			continue
		}
		att, err := Read(file)
		results = append(results, Result{Attachment: att, Err: err})
	}
	return results
}

// Materialize reads every file and returns the attachments that could be
// read, in upload order. Failures are logged and dropped.
func Materialize(ctx context.Context, logger *slog.Logger, files []intake.UploadedFile) []email.Attachment {
	if logger == nil {
		logger = slog.Default()
	}

	attachments := make([]email.Attachment, 0, len(files))
	for _, result := range ReadAll(ctx, files) {
		if result.Err != nil {
			logger.Warn("dropping unreadable attachment", "error", result.Err)
			continue
		}
		attachments = append(attachments, result.Attachment)
	}
	return attachments
}

// contentType prefers the client-declared type, then the filename
// extension, then content sniffing.
func contentType(file intake.UploadedFile, filename string, content []byte) string {
	if file.MimeType != "" && file.MimeType != octetStream {
		return file.MimeType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	if len(content) > 0 {
		return http.DetectContentType(content)
	}
	return octetStream
}
