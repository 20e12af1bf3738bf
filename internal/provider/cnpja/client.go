// Package cnpja implements the ProviderClient contract against the CNPJá
// public CNPJ lookup API.
package cnpja

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/provider"
)

const defaultBaseURL = "https://open.cnpja.com/office"

var tracer = otel.Tracer("provider.cnpja")

// Client queries the CNPJá API for one CNPJ per call.
type Client struct {
	name           string
	limitPerMinute int
	baseURL        string
	http           *http.Client
}

// New constructs a cnpja Client with the given declared per-minute limit.
func New(limitPerMinute int, timeout time.Duration) *Client {
	return &Client{
		name:           "cnpja",
		limitPerMinute: limitPerMinute,
		baseURL:        defaultBaseURL,
		http:           provider.NewHTTPClient(timeout, "cnpja.query"),
	}
}

// Name returns the provider's registered name.
func (c *Client) Name() string { return c.name }

// LimitPerMinute returns the declared per-minute limit.
func (c *Client) LimitPerMinute() int { return c.limitPerMinute }

type cnpjaResponse struct {
	TaxID   string `json:"taxId"`
	Company struct {
		Name    string `json:"name"`
		Equity  float64 `json:"equity"`
		Nature  struct {
			Text string `json:"text"`
		} `json:"nature"`
		Simples struct {
			Optant bool   `json:"optant"`
			Since  string `json:"since"`
		} `json:"simples"`
		Members []struct {
			Person struct {
				Name string `json:"name"`
			} `json:"person"`
			Role struct {
				Text string `json:"text"`
			} `json:"role"`
			Since string `json:"since"`
		} `json:"members"`
	} `json:"company"`
	Alias   string `json:"alias"`
	Founded string `json:"founded"`
	Status  struct {
		Text string `json:"text"`
	} `json:"status"`
	StatusDate string `json:"statusDate"`
	MainActivity struct {
		ID   int    `json:"id"`
		Text string `json:"text"`
	} `json:"mainActivity"`
	Address struct {
		Street     string `json:"street"`
		Number     string `json:"number"`
		Details    string `json:"details"`
		District   string `json:"district"`
		City       string `json:"city"`
		State      string `json:"state"`
		Zip        string `json:"zip"`
	} `json:"address"`
	Emails []struct {
		Address string `json:"address"`
	} `json:"emails"`
	Phones []struct {
		Area   string `json:"area"`
		Number string `json:"number"`
	} `json:"phones"`
}

// Query performs exactly one HTTP round trip and classifies the response.
func (c *Client) Query(ctx context.Context, cnpj string) (domain.ProviderOutcome, error) {
	ctx, span := tracer.Start(ctx, "cnpja.Query")
	defer span.End()
	span.SetAttributes(attribute.String("provider.name", c.name))

	url := fmt.Sprintf("%s/%s", c.baseURL, cnpj)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: err}, nil
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: domain.ErrUpstreamTimeout}, nil
		}
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: err}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.ProviderOutcome{Kind: domain.OutcomeRateLimited, Cause: domain.ErrUpstreamRateLimit}, nil
	case resp.StatusCode == http.StatusNotFound:
		return domain.ProviderOutcome{Kind: domain.OutcomeNotFound}, nil
	case resp.StatusCode >= 500:
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: fmt.Errorf("status %d", resp.StatusCode)}, nil
	case resp.StatusCode >= 400:
		return domain.ProviderOutcome{Kind: domain.OutcomeInvalid, Cause: fmt.Errorf("status %d", resp.StatusCode)}, nil
	}

	var body cnpjaResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: err}, nil
	}

	record := domain.CompanyRecord{
		CNPJ:                   cnpj,
		LegalName:              body.Company.Name,
		TradeName:              body.Alias,
		RegistrationStatus:     body.Status.Text,
		RegistrationStatusDate: parseDate(body.StatusDate),
		MainActivityCode:       fmt.Sprintf("%d", body.MainActivity.ID),
		MainActivityDesc:       body.MainActivity.Text,
		AddressStreet:          body.Address.Street,
		AddressNumber:          body.Address.Number,
		AddressComplement:      body.Address.Details,
		AddressDistrict:        body.Address.District,
		AddressCity:            body.Address.City,
		AddressState:           body.Address.State,
		AddressZIP:             body.Address.Zip,
		ShareCapital:           body.Company.Equity,
		LegalNature:            body.Company.Nature.Text,
		OpenedAt:               parseDate(body.Founded),
		SimplesNacional:        body.Company.Simples.Optant,
		SimplesNacionalSince:   parseDate(body.Company.Simples.Since),
		Provider:               c.name,
		QueriedAt:              time.Now().UTC(),
	}
	if len(body.Emails) > 0 {
		record.Email = body.Emails[0].Address
	}
	if len(body.Phones) > 0 {
		record.Phone = body.Phones[0].Area + body.Phones[0].Number
	}
	for _, m := range body.Company.Members {
		record.Partners = append(record.Partners, domain.Partner{
			Name:          m.Person.Name,
			Qualification: m.Role.Text,
			Since:         parseDate(m.Since),
		})
	}

	return domain.ProviderOutcome{Kind: domain.OutcomeOK, Record: record}, nil
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
