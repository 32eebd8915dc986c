// Package smtp implements a Provider that relays messages through an SMTP
// server.
package smtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/scan-intake/internal/email"
	"github.com/shineum/scan-intake/internal/provider"
)

// defaultTimeout bounds dialing and each SMTP command when Config.Timeout is unset.
const defaultTimeout = 30 * time.Second

const providerName = "smtp"

// Config holds the relay connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string

	// ImplicitTLS dials with TLS from the first byte (SMTPS). Otherwise the
	// connection starts in plain text and upgrades with STARTTLS when the
	// relay advertises it.
	ImplicitTLS bool

	Timeout            time.Duration
	InsecureSkipVerify bool

	// RootCAs overrides the system roots used to verify the relay.
	RootCAs *x509.CertPool

	// LocalName is sent in EHLO. Defaults to "localhost".
	LocalName string
}

// Dispatcher sends messages through an SMTP relay, one connection per
// message.
type Dispatcher struct {
	cfg Config
}

// New creates a Dispatcher for the given relay.
func New(cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.LocalName == "" {
		cfg.LocalName = "localhost"
	}
	return &Dispatcher{cfg: cfg}
}

// Name returns the provider name.
func (d *Dispatcher) Name() string {
	return providerName
}

// Verify opens a connection, authenticates, and quits without sending.
func (d *Dispatcher) Verify(ctx context.Context) error {
	client, release, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := client.Noop(); err != nil {
		return d.connectionError(ctx, fmt.Errorf("NOOP: %w", err))
	}
	if err := client.Quit(); err != nil {
		slog.Debug("relay quit after verify failed", "error", err)
	}
	return nil
}

// Send relays msg and returns its Message-ID.
func (d *Dispatcher) Send(ctx context.Context, msg *email.Email) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", fmt.Errorf("failed to build message: %w", err)
	}

	client, release, err := d.connect(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	if err := client.Mail(msg.From, nil); err != nil {
		return "", d.classify(ctx, "MAIL FROM", err)
	}
	for _, rcpt := range msg.To {
		if err := client.Rcpt(rcpt, nil); err != nil {
			return "", d.classify(ctx, "RCPT TO", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return "", d.classify(ctx, "DATA", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return "", d.classify(ctx, "DATA", err)
	}
	if err := w.Close(); err != nil {
		return "", d.classify(ctx, "DATA", err)
	}

	slog.Debug("relay accepted message",
		"message_id", msg.MessageID,
		"recipients", msg.To,
		"bytes", len(raw),
	)

	// The relay already accepted the message; a failed QUIT does not undo that.
	if err := client.Quit(); err != nil {
		slog.Warn("relay quit failed after message was accepted", "error", err)
	}

	return msg.MessageID, nil
}

// connect dials the relay, greets it, upgrades to TLS when possible, and
// authenticates. The returned release func closes the connection and must
// always be called on success.
//
// go-smtp only upgrades a connection it greets itself, so a plain session
// that finds STARTTLS advertised is closed and the relay is dialed again
// through NewClientStartTLS.
func (d *Dispatcher) connect(ctx context.Context) (*gosmtp.Client, func(), error) {
	addr := net.JoinHostPort(d.cfg.Host, strconv.Itoa(d.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         d.cfg.Host,
		InsecureSkipVerify: d.cfg.InsecureSkipVerify,
		RootCAs:            d.cfg.RootCAs,
		MinVersion:         tls.VersionTLS12,
	}

	client, release, err := d.open(ctx, addr, tlsConfig, d.cfg.ImplicitTLS)
	if err != nil {
		return nil, nil, err
	}

	if err := client.Hello(d.cfg.LocalName); err != nil {
		release()
		return nil, nil, d.connectionError(ctx, fmt.Errorf("EHLO: %w", err))
	}

	if !d.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.Quit(); err != nil {
				slog.Debug("relay quit before STARTTLS redial failed", "error", err)
			}
			release()

			client, release, err = d.openStartTLS(ctx, addr, tlsConfig)
			if err != nil {
				return nil, nil, err
			}
		}
	}

	if d.cfg.Username != "" {
		auth := sasl.NewPlainClient("", d.cfg.Username, d.cfg.Password)
		if err := client.Auth(auth); err != nil {
			release()
			return nil, nil, d.connectionError(ctx, fmt.Errorf("AUTH: %w", err))
		}
	}

	slog.Debug("connected to relay",
		"addr", addr,
		"implicit_tls", d.cfg.ImplicitTLS,
	)

	return client, release, nil
}

// open dials addr, with TLS from the first byte when implicit is set.
func (d *Dispatcher) open(ctx context.Context, addr string, tlsConfig *tls.Config, implicit bool) (*gosmtp.Client, func(), error) {
	conn, stop, err := d.dial(ctx, addr, tlsConfig, implicit)
	if err != nil {
		return nil, nil, err
	}
	client := gosmtp.NewClient(conn)
	d.applyTimeouts(client)
	return client, func() { stop(); client.Close() }, nil
}

// openStartTLS dials addr and lets go-smtp greet the relay and upgrade the
// session before anything else is sent.
func (d *Dispatcher) openStartTLS(ctx context.Context, addr string, tlsConfig *tls.Config) (*gosmtp.Client, func(), error) {
	conn, stop, err := d.dial(ctx, addr, tlsConfig, false)
	if err != nil {
		return nil, nil, err
	}
	// go-smtp's default command timeout covers the greeting and handshake;
	// ctx closes conn if the delivery deadline passes first.
	client, err := gosmtp.NewClientStartTLS(conn, tlsConfig)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, d.connectionError(ctx, fmt.Errorf("STARTTLS: %w", err))
	}
	d.applyTimeouts(client)
	return client, func() { stop(); client.Close() }, nil
}

// dial connects to addr. The returned stop func detaches the close-on-cancel
// hook that unblocks in-flight commands once ctx is done.
func (d *Dispatcher) dial(ctx context.Context, addr string, tlsConfig *tls.Config, implicit bool) (net.Conn, func() bool, error) {
	dialer := &net.Dialer{Timeout: d.cfg.Timeout}
	var conn net.Conn
	var err error
	if implicit {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, d.connectionError(ctx, fmt.Errorf("dial %s: %w", addr, err))
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	return conn, stop, nil
}

func (d *Dispatcher) applyTimeouts(client *gosmtp.Client) {
	client.CommandTimeout = d.cfg.Timeout
	client.SubmissionTimeout = d.cfg.Timeout
}

// classify maps a failure after authentication: an SMTP reply means the
// relay rejected the message; anything else is a lost connection.
func (d *Dispatcher) classify(ctx context.Context, stage string, err error) error {
	var smtpErr *gosmtp.SMTPError
	if errors.As(err, &smtpErr) && ctx.Err() == nil {
		return &provider.RejectedError{
			Provider: providerName,
			Code:     smtpErr.Code,
			Err:      fmt.Errorf("%s: %w", stage, err),
		}
	}
	return d.connectionError(ctx, fmt.Errorf("%s: %w", stage, err))
}

func (d *Dispatcher) connectionError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return &provider.ConnectionError{Provider: providerName, Err: err}
}

// compile-time interface checks
var (
	_ provider.Provider = (*Dispatcher)(nil)
	_ provider.Verifier = (*Dispatcher)(nil)
)

