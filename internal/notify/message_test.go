package notify_test

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/notify"
	"github.com/roach88/reajuste/internal/testutil"
)

func TestRender(t *testing.T) {
	notice := domain.DueNotice{
		InstallmentID:  11,
		ContractNumber: "C-100",
		Sequence:       3,
		DueDate:        testutil.Date("2025-01-20"),
		Amount:         testutil.Dec("1234.5"),
		Recipient:      domain.Recipient{Name: "Maria Silva", Email: "maria@example.com", Phone: "+5511999990000"},
	}

	tests := []struct {
		name    string
		channel domain.Channel
		to      string
	}{
		{"email_message", domain.ChannelEmail, "maria@example.com"},
		{"sms_message", domain.ChannelSMS, "+5511999990000"},
	}

	g := goldie.New(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := domain.NotificationRecord{ID: "rec-1", Channel: tt.channel, Recipient: tt.to}
			msg, err := notify.Render(rec, notice)
			require.NoError(t, err)
			require.Equal(t, tt.to, msg.To)
			require.Equal(t, "rec-1", msg.RecordID)

			g.Assert(t, tt.name, []byte("Subject: "+msg.Subject+"\n\n"+msg.Body+"\n"))
		})
	}
}
