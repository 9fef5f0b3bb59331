package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/officedir/phoneauth/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "SMS"
)

var reNum = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// sender is the slice of the Pinpoint client that is used.
type sender interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// PinpointSMS delivers codes over AWS Pinpoint SMS.
type PinpointSMS struct {
	cfg Config
	p   sender
}

type Config struct {
	ApplicationID  string        `json:"application_id"`
	AccessKey      string        `json:"access_key"`
	SecretKey      string        `json:"secret_key"`
	Region         string        `json:"region"`
	SMSSenderID    string        `json:"sms_sender_id"`
	SMSMessageType string        `json:"sms_message_type"`
	SMSEntityID    string        `json:"sms_entity_id"`
	SMSTemplateID  string        `json:"sms_template_id"`
	Timeout        time.Duration `json:"timeout"`
}

// NewSMS returns a Pinpoint SMS sender. When access_key and secret_key
// are empty the default AWS credential chain is used.
func NewSMS(ctx context.Context, cfg Config) (*PinpointSMS, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.SMSMessageType == "" {
		cfg.SMSMessageType = string(types.MessageTypeTransactional)
	}
	if cfg.SMSMessageType != string(types.MessageTypeTransactional) && cfg.SMSMessageType != string(types.MessageTypePromotional) {
		return nil, errors.New("invalid sms_message_type: must be TRANSACTIONAL or PROMOTIONAL")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 3
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, errors.New("access_key and secret_key must be set together")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return newWithClient(cfg, pinpoint.NewFromConfig(awsCfg)), nil
}

func newWithClient(cfg Config, p sender) *PinpointSMS {
	return &PinpointSMS{cfg: cfg, p: p}
}

// ID returns the sender's ID.
func (p *PinpointSMS) ID() string {
	return providerID
}

// ChannelName returns the sender's channel name.
func (p *PinpointSMS) ChannelName() string {
	return channelName
}

// ValidateAddress checks that the phone is in E.164 form.
func (p *PinpointSMS) ValidateAddress(to string) error {
	if !reNum.MatchString(to) {
		return errors.New("invalid mobile number")
	}
	return nil
}

func (p *PinpointSMS) Push(ctx context.Context, m models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	sms := &types.SMSMessage{
		Body:        aws.String(m.Body),
		MessageType: types.MessageType(p.cfg.SMSMessageType),
	}
	if p.cfg.SMSSenderID != "" {
		sms.SenderId = aws.String(p.cfg.SMSSenderID)
	}
	if p.cfg.SMSEntityID != "" {
		sms.EntityId = aws.String(p.cfg.SMSEntityID)
	}
	if p.cfg.SMSTemplateID != "" {
		sms.TemplateId = aws.String(p.cfg.SMSTemplateID)
	}

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				m.To: {ChannelType: types.ChannelTypeSms},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				SMSMessage: sms,
			},
		},
	})
	if err != nil {
		return err
	}

	// Pinpoint accepts the batch but reports per-address delivery.
	if out.MessageResponse != nil {
		if r, ok := out.MessageResponse.Result[m.To]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
			return fmt.Errorf("pinpoint delivery %s: %s", r.DeliveryStatus, aws.ToString(r.StatusMessage))
		}
	}
	return nil
}
