package twilio

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/officedir/phoneauth/pkg/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const (
	providerID = "twilio"

	channelSMS      = "sms"
	channelWhatsApp = "whatsapp"
)

var reNum = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

type Config struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	FromNumber string `json:"from_number"`

	// Channel is "sms" or "whatsapp".
	Channel string `json:"channel"`
}

// messenger is the slice of the Twilio REST client that is used.
type messenger interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Twilio delivers codes as Twilio SMS or WhatsApp messages.
type Twilio struct {
	cfg Config
	api messenger
}

// New returns a Twilio sender.
func New(cfg Config) (*Twilio, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("invalid account_sid or auth_token")
	}
	if cfg.FromNumber == "" {
		return nil, errors.New("invalid from_number")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newWithAPI(cfg, client.Api)
}

func newWithAPI(cfg Config, api messenger) (*Twilio, error) {
	switch cfg.Channel {
	case "":
		cfg.Channel = channelSMS
	case channelSMS, channelWhatsApp:
	default:
		return nil, fmt.Errorf("unknown twilio channel '%s'", cfg.Channel)
	}
	return &Twilio{cfg: cfg, api: api}, nil
}

// ID returns the sender's ID.
func (t *Twilio) ID() string {
	return providerID
}

// ChannelName returns the sender's channel name.
func (t *Twilio) ChannelName() string {
	if t.cfg.Channel == channelWhatsApp {
		return "WhatsApp"
	}
	return "SMS"
}

// ValidateAddress checks that the phone is in E.164 form.
func (t *Twilio) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

// Push sends the message. The Twilio client has no context support, so
// ctx is only checked before the call.
func (t *Twilio) Push(ctx context.Context, m models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(t.address(m.To))
	params.SetFrom(t.address(t.cfg.FromNumber))
	params.SetBody(m.Body)

	if _, err := t.api.CreateMessage(params); err != nil {
		return fmt.Errorf("failed to send %s: %w", t.ChannelName(), err)
	}
	return nil
}

func (t *Twilio) address(phone string) string {
	if t.cfg.Channel == channelWhatsApp {
		return "whatsapp:" + phone
	}
	return phone
}
