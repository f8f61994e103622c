package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/roach88/reajuste/internal/domain"
)

var (
	subjectTmpl = template.Must(template.New("subject").Parse(
		`Parcela {{.Sequence}} do contrato {{.ContractNumber}} vence em {{.Due}}`))

	bodyTmpl = template.Must(template.New("body").Parse(`Olá{{if .Name}}, {{.Name}}{{end}}.

Lembramos que a parcela {{.Sequence}} do contrato {{.ContractNumber}} vence em {{.Due}}.
Valor: R$ {{.Amount}}
`))

	// SMS and WhatsApp get the body without the greeting block.
	shortTmpl = template.Must(template.New("short").Parse(
		`Contrato {{.ContractNumber}}: parcela {{.Sequence}} de R$ {{.Amount}} vence em {{.Due}}.`))
)

type messageData struct {
	Name           string
	ContractNumber string
	Sequence       int
	Due            string
	Amount         string
}

// Render builds the message for a claimed record. The amount is the
// installment's current (corrected) amount at delivery time.
func Render(rec domain.NotificationRecord, notice domain.DueNotice) (Message, error) {
	data := messageData{
		Name:           notice.Recipient.Name,
		ContractNumber: notice.ContractNumber,
		Sequence:       notice.Sequence,
		Due:            notice.DueDate.Format("02/01/2006"),
		Amount:         notice.Amount.StringFixed(2),
	}

	msg := Message{
		RecordID:      rec.ID,
		Channel:       rec.Channel,
		To:            rec.Recipient,
		RecipientName: notice.Recipient.Name,
	}

	var err error
	if msg.Subject, err = execute(subjectTmpl, data); err != nil {
		return Message{}, err
	}
	body := bodyTmpl
	if rec.Channel != domain.ChannelEmail {
		body = shortTmpl
	}
	if msg.Body, err = execute(body, data); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func execute(t *template.Template, data messageData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
