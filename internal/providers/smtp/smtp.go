// smtp delivers codes through an e-mail-to-SMS gateway: the message is
// mailed to <digits>@<gateway_domain> and the carrier relays it as SMS.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/smtppool"
	"github.com/officedir/phoneauth/pkg/models"
)

const (
	providerID  = "smtp"
	channelName = "SMS"
)

var reNum = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Config represents an SMTP server's credentials and the gateway domain.
type Config struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	AuthProtocol  string        `json:"auth_protocol"`
	Username      string        `json:"username"`
	Password      string        `json:"password"`
	FromEmail     string        `json:"from_email"`
	GatewayDomain string        `json:"gateway_domain"`
	Timeout       time.Duration `json:"timeout"`
	MaxConns      int           `json:"max_conns"`

	// STARTTLS or TLS.
	TLSType       string `json:"tls_type"`
	TLSSkipVerify bool   `json:"tls_skip_verify"`
}

// SMTP is an e-mail-to-SMS gateway sender.
type SMTP struct {
	cfg Config
	p   *smtppool.Pool
}

// New creates and returns an SMTP gateway sender.
func New(cfg Config) (*SMTP, error) {
	if cfg.GatewayDomain == "" {
		return nil, errors.New("invalid gateway_domain")
	}
	if cfg.FromEmail == "" {
		cfg.FromEmail = "otp@localhost"
	}
	if cfg.MaxConns < 1 {
		cfg.MaxConns = 1
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	// Initialize the SMTP mailer.
	var auth smtp.Auth
	switch cfg.AuthProtocol {
	case "login":
		auth = &smtppool.LoginAuth{Username: cfg.Username, Password: cfg.Password}
	case "cram":
		auth = smtp.CRAMMD5Auth(cfg.Username, cfg.Password)
	case "plain":
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	case "", "none":
	default:
		return nil, fmt.Errorf("unknown SMTP auth type '%s'", cfg.AuthProtocol)
	}

	opt := smtppool.Opt{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		IdleTimeout:     time.Second * 10,
		PoolWaitTimeout: cfg.Timeout,
		Auth:            auth,
	}

	// TLS config.
	if cfg.TLSType != "" && cfg.TLSType != "none" {
		opt.TLSConfig = &tls.Config{}
		if cfg.TLSSkipVerify {
			opt.TLSConfig.InsecureSkipVerify = cfg.TLSSkipVerify
		} else {
			opt.TLSConfig.ServerName = cfg.Host
		}

		// SSL/TLS, not STARTTLS.
		if cfg.TLSType == "TLS" {
			opt.SSL = true
		}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}

	return &SMTP{
		p:   pool,
		cfg: cfg,
	}, nil
}

// ID returns the sender's ID.
func (s *SMTP) ID() string {
	return providerID
}

// ChannelName returns the sender's channel name.
func (s *SMTP) ChannelName() string {
	return channelName
}

// ValidateAddress checks that the phone is in E.164 form.
func (s *SMTP) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push mails the message to the gateway address of the phone.
func (s *SMTP) Push(ctx context.Context, m models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.p.Send(smtppool.Email{
		From:    s.cfg.FromEmail,
		To:      []string{gatewayAddress(m.To, s.cfg.GatewayDomain)},
		Subject: m.Subject,
		Text:    []byte(m.Body),
	})
}

// gatewayAddress turns +966501234567 into 966501234567@domain.
func gatewayAddress(phone, domain string) string {
	return strings.TrimPrefix(phone, "+") + "@" + domain
}
