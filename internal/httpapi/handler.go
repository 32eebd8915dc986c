package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/scan-intake/internal/compose"
	"github.com/shineum/scan-intake/internal/config"
	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/intake"
	"github.com/shineum/scan-intake/internal/provider"
	"github.com/shineum/scan-intake/internal/scan"
)

// Failure classifications reported in the "error" field.
const (
	classConfiguration = "configuration_error"
	classMalformed     = "malformed_request"
	classConnection    = "relay_connection_error"
	classRejected      = "relay_rejected"
	classInternal      = "internal_error"
)

// maxDetailLength bounds the diagnostic returned to clients, in runes.
const maxDetailLength = 300

const redacted = "[redacted]"

// minSecretLength is the shortest credential redact substitutes. Shorter
// values match too much ordinary text to be replaced safely.
const minSecretLength = 4

var errNoProvider = errors.New("no delivery provider configured")

type scanHandler struct {
	settings      *config.Config
	provider      provider.Provider
	upload        intake.Options
	timeout       time.Duration
	verify        bool
	verifyTimeout time.Duration
	logger        *slog.Logger

	materialize func(context.Context, *slog.Logger, []intake.UploadedFile) []email.Attachment
}

// sendScan runs one submission: configuration check, intake, normalization,
// attachment materialization, composition, dispatch, response.
func (handler *scanHandler) sendScan(contextGin *gin.Context) {
	if contextGin.Request.Method != http.MethodPost {
		contextGin.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed"})
		return
	}

	// The body is not read until the configuration is known to be usable.
	if err := handler.checkConfig(); err != nil {
		handler.writeError(contextGin, err)
		return
	}

	upload, err := intake.Parse(contextGin.Request, handler.upload)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	defer func() {
		if err := upload.Cleanup(); err != nil {
			handler.logger.Warn("failed to remove uploaded files", "error", err)
		}
	}()

	// Once the body is in, the submission is processed to the end even if
	// the client goes away, so a disconnect never strips attachments.
	detached := context.WithoutCancel(contextGin.Request.Context())

	order := scan.Normalize(upload.Fields)
	attachments := handler.materialize(detached, handler.logger, upload.Files)
	msg := compose.Compose(order, attachments, handler.settings.Relay.From, handler.settings.Relay.To)

	if handler.verify {
		handler.verifyRelay(detached)
	}

	ctx, cancel := context.WithTimeout(detached, handler.timeout)
	defer cancel()

	id, err := handler.provider.Send(ctx, msg)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}

	handler.logger.Info("scan submitted",
		"provider", handler.provider.Name(),
		"message_id", id,
		"attachments", len(msg.Attachments),
		"files_received", len(upload.Files),
	)
	contextGin.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"messageId":   id,
		"attachments": len(msg.Attachments),
	})
}

// verifyRelay runs the provider's pre-flight check under its own deadline.
// A failure is only logged; Send reports the real error if there is one.
func (handler *scanHandler) verifyRelay(parent context.Context) {
	verifier, ok := handler.provider.(provider.Verifier)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(parent, handler.verifyTimeout)
	defer cancel()
	if err := verifier.Verify(ctx); err != nil {
		handler.logger.Warn("relay verification failed, sending anyway",
			"provider", handler.provider.Name(),
			"error", handler.redact(err.Error()),
		)
	}
}

func (handler *scanHandler) checkConfig() error {
	if err := handler.settings.Validate(); err != nil {
		return err
	}
	if handler.provider == nil {
		return errNoProvider
	}
	return nil
}

func (handler *scanHandler) writeError(contextGin *gin.Context, err error) {
	class := classify(err)
	detail := truncate(handler.redact(err.Error()), maxDetailLength)

	handler.logger.Error("http_handler_error",
		"classification", class,
		"error", detail,
	)
	contextGin.JSON(http.StatusInternalServerError, gin.H{
		"error":  class,
		"detail": detail,
	})
}

func classify(err error) string {
	var malformed *intake.MalformedRequestError
	var connErr *provider.ConnectionError
	var rejected *provider.RejectedError

	switch {
	case errors.Is(err, config.ErrMissingSettings), errors.Is(err, errNoProvider):
		return classConfiguration
	case errors.As(err, &malformed):
		return classMalformed
	case errors.As(err, &rejected):
		return classRejected
	case errors.As(err, &connErr):
		return classConnection
	default:
		return classInternal
	}
}

func (handler *scanHandler) redact(text string) string {
	for _, secret := range handler.settings.Secrets() {
		if len([]rune(secret)) < minSecretLength {
			continue
		}
		text = strings.ReplaceAll(text, secret, redacted)
	}
	return text
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
