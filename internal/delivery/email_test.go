package delivery_test

import (
	"bytes"
	"context"
	"errors"
	"net/smtp"
	"net/textproto"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/delivery"
	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/notify"
)

type sent struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	msg  []byte
}

func recorder(out *[]sent, err error) delivery.SendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*out = append(*out, sent{addr: addr, auth: a, from: from, to: to, msg: msg})
		return err
	}
}

var smtpCfg = delivery.SMTPConfig{
	Host:     "smtp.example.com",
	Port:     587,
	Username: "cobranca",
	Password: "secret",
	From:     "Reajuste <cobranca@example.com>",
}

func emailMessage() notify.Message {
	return notify.Message{
		RecordID:      "rec-1",
		Channel:       domain.ChannelEmail,
		To:            "maria@example.com",
		RecipientName: "Maria Silva",
		Subject:       "Parcela 3 do contrato C-100 vence em 20/01/2025",
		Body:          "Olá, Maria Silva.\n\nLembramos que a parcela 3 do contrato C-100 vence em 20/01/2025.\nValor: R$ 1234.50",
	}
}

func TestEmail_Deliver(t *testing.T) {
	var out []sent
	e := delivery.NewEmail(smtpCfg, recorder(&out, nil))

	require.NoError(t, e.Deliver(context.Background(), emailMessage()))
	require.Len(t, out, 1)

	assert.Equal(t, "smtp.example.com:587", out[0].addr)
	assert.NotNil(t, out[0].auth)
	assert.Equal(t, smtpCfg.From, out[0].from)
	assert.Equal(t, []string{"maria@example.com"}, out[0].to)

	g := goldie.New(t)
	g.Assert(t, "email_raw", bytes.ReplaceAll(out[0].msg, []byte("\r\n"), []byte("\n")))
}

func TestEmail_NoAuthWithoutUsername(t *testing.T) {
	var out []sent
	cfg := smtpCfg
	cfg.Username = ""
	e := delivery.NewEmail(cfg, recorder(&out, nil))

	require.NoError(t, e.Deliver(context.Background(), emailMessage()))
	assert.Nil(t, out[0].auth)
}

func TestEmail_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed address is permanent", func(t *testing.T) {
		var out []sent
		msg := emailMessage()
		msg.To = "not-an-address"
		err := delivery.NewEmail(smtpCfg, recorder(&out, nil)).Deliver(ctx, msg)
		assert.True(t, notify.IsPermanent(err), "error = %v", err)
		assert.Empty(t, out)
	})

	t.Run("wrong channel is permanent", func(t *testing.T) {
		msg := emailMessage()
		msg.Channel = domain.ChannelSMS
		err := delivery.NewEmail(smtpCfg, nil).Deliver(ctx, msg)
		assert.True(t, notify.IsPermanent(err))
	})

	t.Run("5xx is permanent", func(t *testing.T) {
		var out []sent
		err := delivery.NewEmail(smtpCfg, recorder(&out, &textproto.Error{Code: 550, Msg: "mailbox unavailable"})).
			Deliver(ctx, emailMessage())
		assert.True(t, notify.IsPermanent(err))
	})

	t.Run("4xx is retried", func(t *testing.T) {
		var out []sent
		err := delivery.NewEmail(smtpCfg, recorder(&out, &textproto.Error{Code: 421, Msg: "try later"})).
			Deliver(ctx, emailMessage())
		require.Error(t, err)
		assert.False(t, notify.IsPermanent(err))
	})

	t.Run("connection failure is retried", func(t *testing.T) {
		var out []sent
		err := delivery.NewEmail(smtpCfg, recorder(&out, errors.New("dial tcp: connection refused"))).
			Deliver(ctx, emailMessage())
		require.Error(t, err)
		assert.False(t, notify.IsPermanent(err))
	})
}
