package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// IndexCode identifies the correction index of a contract.
type IndexCode string

const (
	IndexIPCA  IndexCode = "IPCA"
	IndexIGPM  IndexCode = "IGPM"
	IndexINCC  IndexCode = "INCC"
	IndexIGPDI IndexCode = "IGPDI"
	IndexINPC  IndexCode = "INPC"
	IndexTR    IndexCode = "TR"
	IndexSELIC IndexCode = "SELIC"

	// IndexFixedRate corrects by the contract's FixedRate every cycle.
	IndexFixedRate IndexCode = "TAXA_FIXA"

	// IndexNone marks a contract without monetary correction. Its
	// installments are never due for readjustment.
	IndexNone IndexCode = "FIXO"
)

// MonthlyIndices lists the codes backed by published monthly index values.
var MonthlyIndices = []IndexCode{IndexIPCA, IndexIGPM, IndexINCC, IndexIGPDI, IndexINPC, IndexTR, IndexSELIC}

// Valid reports whether the code is known.
func (c IndexCode) Valid() bool {
	switch c {
	case IndexFixedRate, IndexNone:
		return true
	}
	return c.Monthly()
}

// Monthly reports whether the code is backed by monthly index values.
func (c IndexCode) Monthly() bool {
	for _, m := range MonthlyIndices {
		if m == c {
			return true
		}
	}
	return false
}

// Channel is the delivery channel for due-date notices.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// Valid reports whether the channel is known.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// Contract is a signed commercial agreement and its correction policy.
type Contract struct {
	ID     int64  `json:"id"`
	Number string `json:"number"`

	IndexCode      IndexCode        `json:"index_code"`
	FixedRate      *decimal.Decimal `json:"fixed_rate,omitempty"` // fraction, only for TAXA_FIXA
	CadenceMonths  int              `json:"cadence_months"`
	AnchorDate     time.Time        `json:"anchor_date"`
	AllowReduction bool             `json:"allow_reduction"`

	Recipient Recipient `json:"recipient"`
}

// Corrects reports whether installments of this contract are ever readjusted.
func (c Contract) Corrects() bool {
	return c.IndexCode != IndexNone && c.CadenceMonths > 0
}

// Recipient is who receives due-date notices for a contract.
type Recipient struct {
	Name    string  `json:"name"`
	Email   string  `json:"email,omitempty"`
	Phone   string  `json:"phone,omitempty"`
	Channel Channel `json:"channel"`
}

// Address returns the destination for the recipient's preferred channel.
func (r Recipient) Address() string {
	if r.Channel == ChannelEmail {
		return r.Email
	}
	return r.Phone
}
