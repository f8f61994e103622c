package indexfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/reajuste/internal/domain"
)

// DefaultBCBBaseURL is the Banco Central SGS endpoint; %d is the series.
const DefaultBCBBaseURL = "https://api.bcb.gov.br/dados/serie/bcdata.sgs.%d/dados"

// SGSSeries maps index codes to their monthly SGS series.
var SGSSeries = map[domain.IndexCode]int{
	domain.IndexIPCA:  433,
	domain.IndexIGPM:  189,
	domain.IndexINPC:  188,
	domain.IndexIGPDI: 190,
	domain.IndexINCC:  192,
	domain.IndexTR:    226,
	domain.IndexSELIC: 4390,
}

// BCBClient fetches monthly index values from the SGS API.
type BCBClient struct {
	// BaseURL is a format string with one %d verb for the series number.
	BaseURL string
	HTTP    *http.Client
}

// NewBCBClient creates a client with a 30s timeout.
func NewBCBClient() *BCBClient {
	return &BCBClient{
		BaseURL: DefaultBCBBaseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type sgsPoint struct {
	Data  string `json:"data"`
	Valor string `json:"valor"`
}

// Fetch returns the values of code published between from and to.
// Series reported more often than monthly keep the last value of each
// month.
func (c *BCBClient) Fetch(ctx context.Context, code domain.IndexCode, from, to time.Time) ([]domain.IndexValue, error) {
	series, ok := SGSSeries[code]
	if !ok {
		return nil, fmt.Errorf("fetch %s: no SGS series", code)
	}

	q := url.Values{}
	q.Set("formato", "json")
	q.Set("dataInicial", from.Format("02/01/2006"))
	q.Set("dataFinal", to.Format("02/01/2006"))
	endpoint := fmt.Sprintf(c.BaseURL, series) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", code, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", code, resp.Status)
	}

	var points []sgsPoint
	if err := json.NewDecoder(resp.Body).Decode(&points); err != nil {
		return nil, fmt.Errorf("fetch %s: decode: %w", code, err)
	}

	byMonth := make(map[int]domain.IndexValue)
	var order []int
	for _, p := range points {
		day, err := time.ParseInLocation("02/01/2006", p.Data, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: date %q: %w", code, p.Data, err)
		}
		pct, err := decimal.NewFromString(strings.TrimSpace(p.Valor))
		if err != nil {
			return nil, fmt.Errorf("fetch %s: value %q: %w", code, p.Valor, err)
		}
		key := domain.MonthKey(day.Year(), int(day.Month()))
		if _, seen := byMonth[key]; !seen {
			order = append(order, key)
		}
		byMonth[key] = domain.IndexValue{
			Code:    code,
			Year:    day.Year(),
			Month:   int(day.Month()),
			Percent: pct,
			Source:  fmt.Sprintf("bcb-sgs-%d", series),
		}
	}

	values := make([]domain.IndexValue, 0, len(order))
	for _, key := range order {
		values = append(values, byMonth[key])
	}
	return values, nil
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Sync fetches code for [from, to] and upserts every month into s.
func (c *BCBClient) Sync(ctx context.Context, s IndexStore, code domain.IndexCode, from, to time.Time) (ImportResult, error) {
	values, err := c.Fetch(ctx, code, from, to)
	if err != nil {
		return ImportResult{}, err
	}
	return upsertAll(ctx, s, values)
}

func upsertAll(ctx context.Context, s IndexStore, values []domain.IndexValue) (ImportResult, error) {
	var res ImportResult
	for _, v := range values {
		created, err := s.UpsertIndexValue(ctx, v)
		if err != nil {
			return res, fmt.Errorf("import %s %s: %w", v.Code, v.Period(), err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
	}
	return res, nil
}
