package external

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wneessen/go-mail"
	"github.com/wneessen/go-mail/smtp"

	"boommelding/internal/types"
)

const defaultSMTPTimeout = 30 * time.Second

// errNoSupportedAuth is returned when the server offers neither PLAIN nor LOGIN.
var errNoSupportedAuth = errors.New("SMTP server offers no supported AUTH mechanism")

// SMTPClientConfig holds the configuration for creating an SMTPClient.
type SMTPClientConfig struct {
	Host     string
	Port     int
	Username string
	Password types.SecretString
	// Timeout bounds the whole session from dial to QUIT.
	Timeout time.Duration
	// TLSConfig is used for the STARTTLS upgrade. ServerName defaults to Host.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// SMTPClient implements EmailProvider by submitting over SMTP with a
// mandatory STARTTLS upgrade and PLAIN or LOGIN authentication.
type SMTPClient struct {
	cfg    SMTPClientConfig
	dialer *net.Dialer
	logger *slog.Logger
	now    func() time.Time
}

// NewSMTPClient creates an SMTPClient.
func NewSMTPClient(cfg SMTPClientConfig) *SMTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMTPTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &SMTPClient{
		cfg:    cfg,
		dialer: &net.Dialer{},
		logger: logger,
		now:    time.Now,
	}
}

// Send opens one SMTP session and submits the message. The returned ID is
// the Message-ID header written into the message.
//
// Failures before a server reply (dial, TLS, timeouts) map to
// types.ErrCodeUpstreamUnavailable. Failures the server answered map to
// types.ErrCodeUpstreamEmailProvider with the reply code under "smtp_code".
func (c *SMTPClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), messageIDDomain(input.From))
	msg, err := buildMessage(input, messageID, c.now())
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamEmailProvider, "message has an invalid address", err)
	}

	client, err := mail.NewClient(c.cfg.Host,
		mail.WithPort(c.cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
		mail.WithTLSConfig(c.tlsConfig()),
		mail.WithSMTPAuthCustom(&plainOrLoginAuth{
			username: c.cfg.Username,
			password: c.cfg.Password.Unmask(),
			host:     c.cfg.Host,
		}),
		mail.WithTimeout(c.cfg.Timeout),
		mail.WithDialContextFunc(c.sessionDialer(ctx)),
	)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to configure SMTP client", err)
	}

	if err := client.DialWithContext(ctx); err != nil {
		return "", smtpError("session setup", err)
	}
	if err := client.Send(msg); err != nil {
		_ = client.Close()
		return "", smtpError("submission", err)
	}

	// The message is accepted once DATA completes.
	if err := client.Close(); err != nil {
		c.logger.Warn("SMTP QUIT failed after message was accepted",
			"message_id", messageID,
			"error", err,
		)
	}

	return "<" + messageID + ">", nil
}

// sessionDialer dials with a connection deadline taken from the session
// context, so a server that stalls before its greeting cannot outlive it.
func (c *SMTPClient) sessionDialer(session context.Context) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		conn, err := c.dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if deadline, ok := session.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		context.AfterFunc(session, func() { conn.Close() })
		return conn, nil
	}
}

func (c *SMTPClient) tlsConfig() *tls.Config {
	var cfg *tls.Config
	if c.cfg.TLSConfig != nil {
		cfg = c.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.cfg.Host
	}
	return cfg
}

// plainOrLoginAuth prefers PLAIN and falls back to LOGIN, which is all some
// Office 365 tenants advertise. The choice is made from the mechanisms the
// server lists after STARTTLS.
type plainOrLoginAuth struct {
	username string
	password string
	host     string
	chosen   smtp.Auth
}

func (a *plainOrLoginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	switch {
	case offers(server.Auth, "PLAIN"):
		a.chosen = smtp.PlainAuth("", a.username, a.password, a.host, false)
	case offers(server.Auth, "LOGIN"):
		a.chosen = smtp.LoginAuth(a.username, a.password, a.host, false)
	default:
		return "", nil, fmt.Errorf("%w (%s)", errNoSupportedAuth, strings.Join(server.Auth, " "))
	}
	return a.chosen.Start(server)
}

func (a *plainOrLoginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if a.chosen == nil {
		return nil, errNoSupportedAuth
	}
	return a.chosen.Next(fromServer, more)
}

func offers(mechanisms []string, name string) bool {
	for _, m := range mechanisms {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

func smtpError(stage string, err error) error {
	if code := replyCode(err); code != 0 {
		return types.NewAppError(
			types.ErrCodeUpstreamEmailProvider,
			fmt.Sprintf("SMTP %s rejected (%d)", stage, code),
			err,
		).WithDetails(map[string]any{"smtp_code": code})
	}
	if errors.Is(err, errNoSupportedAuth) {
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "SMTP server offers no supported AUTH mechanism", err)
	}
	return types.NewAppError(
		types.ErrCodeUpstreamUnavailable,
		fmt.Sprintf("SMTP %s failed", stage),
		err,
	)
}

// replyCode extracts the server reply code from a session or submission error.
func replyCode(err error) int {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code
	}
	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		return sendErr.ErrorCode()
	}
	return 0
}

// SMTPReplyCodeOf returns the SMTP reply code recorded on an AppError
// produced by SMTPClient, or zero when the server never answered.
func SMTPReplyCodeOf(err error) int {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return 0
	}
	code, _ := appErr.Details["smtp_code"].(int)
	return code
}

func messageIDDomain(from string) string {
	from = strings.TrimSuffix(strings.TrimSpace(from), ">")
	if i := strings.LastIndexByte(from, '@'); i >= 0 && i < len(from)-1 {
		return from[i+1:]
	}
	return "boommelding.local"
}

// buildMessage assembles a UTF-8 plain-text message. go-mail Q-encodes the
// subject and writes the body quoted-printable.
func buildMessage(input types.SendInput, messageID string, now time.Time) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(input.From); err != nil {
		return nil, fmt.Errorf("from %q: %w", input.From, err)
	}
	if err := msg.To(input.To); err != nil {
		return nil, fmt.Errorf("to %q: %w", input.To, err)
	}
	msg.Subject(input.Subject)
	msg.SetMessageIDWithValue(messageID)
	msg.SetDateWithValue(now)
	msg.SetUserAgent("Boommelding/1.0")
	msg.SetBodyString(mail.TypeTextPlain, input.BodyText)
	return msg, nil
}

var _ EmailProvider = (*SMTPClient)(nil)
