package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/notify"
)

// TwilioConfig is the SMS and WhatsApp gateway account. A channel is
// sendable only when its sender number is set.
type TwilioConfig struct {
	AccountSID   string `yaml:"account_sid"`
	AuthToken    string `yaml:"auth_token"`
	SMSFrom      string `yaml:"sms_from"`
	WhatsAppFrom string `yaml:"whatsapp_from"`
}

// Channels lists the channels the account can send on.
func (c TwilioConfig) Channels() []domain.Channel {
	if c.AccountSID == "" || c.AuthToken == "" {
		return nil
	}
	var out []domain.Channel
	if c.SMSFrom != "" {
		out = append(out, domain.ChannelSMS)
	}
	if c.WhatsAppFrom != "" {
		out = append(out, domain.ChannelWhatsApp)
	}
	return out
}

// MessageCreator is the part of the Twilio REST API the deliverer calls.
type MessageCreator interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// Twilio delivers SMS and WhatsApp notices through the Twilio messages API.
type Twilio struct {
	cfg TwilioConfig
	api MessageCreator
}

// NewTwilio creates a Twilio deliverer. A nil api uses the REST client
// for cfg's account.
func NewTwilio(cfg TwilioConfig, api MessageCreator) *Twilio {
	if api == nil {
		api = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		}).Api
	}
	return &Twilio{cfg: cfg, api: api}
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// Deliver implements notify.Deliverer.
//
// A missing sender, a malformed number and 4xx replies other than 429 are
// permanent; everything else is retried by the scheduler.
func (t *Twilio) Deliver(ctx context.Context, msg notify.Message) error {
	var from, to string
	switch msg.Channel {
	case domain.ChannelSMS:
		from, to = t.cfg.SMSFrom, msg.To
	case domain.ChannelWhatsApp:
		if t.cfg.WhatsAppFrom != "" {
			from = "whatsapp:" + t.cfg.WhatsAppFrom
		}
		to = "whatsapp:" + msg.To
	default:
		return notify.Permanent(fmt.Errorf("twilio deliverer cannot send %s", msg.Channel))
	}
	if from == "" {
		return notify.Permanent(fmt.Errorf("no %s sender number configured", msg.Channel))
	}
	if !e164.MatchString(msg.To) {
		return notify.Permanent(fmt.Errorf("recipient %q is not an E.164 number", msg.To))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(msg.Body)
	if _, err := t.api.CreateMessage(params); err != nil {
		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status >= 400 && restErr.Status < 500 &&
			restErr.Status != http.StatusTooManyRequests {
			return notify.Permanent(fmt.Errorf("twilio: %w", err))
		}
		return fmt.Errorf("twilio: %w", err)
	}
	return nil
}
