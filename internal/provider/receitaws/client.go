// Package receitaws implements the ProviderClient contract against the
// ReceitaWS public CNPJ lookup API (free tier, low per-minute limit).
package receitaws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/brcorp/cnpj-enrichment-queue/internal/domain"
	"github.com/brcorp/cnpj-enrichment-queue/internal/provider"
)

const defaultBaseURL = "https://www.receitaws.com.br/v1/cnpj"

var tracer = otel.Tracer("provider.receitaws")

// Client queries the ReceitaWS API for one CNPJ per call.
type Client struct {
	name           string
	limitPerMinute int
	baseURL        string
	http           *http.Client
}

// New constructs a receitaws Client with the given declared per-minute limit.
func New(limitPerMinute int, timeout time.Duration) *Client {
	return &Client{
		name:           "receitaws",
		limitPerMinute: limitPerMinute,
		baseURL:        defaultBaseURL,
		http:           provider.NewHTTPClient(timeout, "receitaws.query"),
	}
}

// Name returns the provider's registered name.
func (c *Client) Name() string { return c.name }

// LimitPerMinute returns the declared per-minute limit.
func (c *Client) LimitPerMinute() int { return c.limitPerMinute }

type receitaWSResponse struct {
	Status              string `json:"status"`
	Message             string `json:"message"`
	Nome                string `json:"nome"`
	Fantasia            string `json:"fantasia"`
	Situacao            string `json:"situacao"`
	DataSituacao        string `json:"data_situacao"`
	AtividadePrincipal  []struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"atividade_principal"`
	Logradouro   string `json:"logradouro"`
	Numero       string `json:"numero"`
	Complemento  string `json:"complemento"`
	Bairro       string `json:"bairro"`
	Municipio    string `json:"municipio"`
	UF           string `json:"uf"`
	CEP          string `json:"cep"`
	Email        string `json:"email"`
	Telefone     string `json:"telefone"`
	CapitalSocial string `json:"capital_social"`
	Natureza_Juridica string `json:"natureza_juridica"`
	Abertura     string `json:"abertura"`
	Simples      struct {
		Optante bool   `json:"optante"`
		DataOpcao string `json:"data_opcao"`
	} `json:"simples"`
	QSA []struct {
		Nome string `json:"nome"`
		Qual string `json:"qual"`
	} `json:"qsa"`
}

// Query performs exactly one HTTP round trip and classifies the response.
// It never retries or sleeps internally.
func (c *Client) Query(ctx context.Context, cnpj string) (domain.ProviderOutcome, error) {
	ctx, span := tracer.Start(ctx, "receitaws.Query")
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

	var body receitaWSResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: err}, nil
	}
	if body.Status == "ERROR" {
		if body.Message == "CNPJ inválido" {
			return domain.ProviderOutcome{Kind: domain.OutcomeInvalid, Cause: errors.New(body.Message)}, nil
		}
		return domain.ProviderOutcome{Kind: domain.OutcomeNotFound}, nil
	}

	record := domain.CompanyRecord{
		CNPJ:               cnpj,
		LegalName:          body.Nome,
		TradeName:          body.Fantasia,
		RegistrationStatus: body.Situacao,
		AddressStreet:      body.Logradouro,
		AddressNumber:      body.Numero,
		AddressComplement:  body.Complemento,
		AddressDistrict:    body.Bairro,
		AddressCity:        body.Municipio,
		AddressState:       body.UF,
		AddressZIP:         body.CEP,
		Email:              body.Email,
		Phone:              body.Telefone,
		LegalNature:        body.Natureza_Juridica,
		SimplesNacional:    body.Simples.Optante,
		Provider:           c.name,
		QueriedAt:          time.Now().UTC(),
	}
	if len(body.AtividadePrincipal) > 0 {
		record.MainActivityCode = body.AtividadePrincipal[0].Code
		record.MainActivityDesc = body.AtividadePrincipal[0].Text
	}
	if body.CapitalSocial != "" {
		if v, err := strconv.ParseFloat(body.CapitalSocial, 64); err == nil {
			record.ShareCapital = v
		}
	}
	record.RegistrationStatusDate = parseDate(body.DataSituacao)
	record.OpenedAt = parseDate(body.Abertura)
	record.SimplesNacionalSince = parseDate(body.Simples.DataOpcao)
	for _, p := range body.QSA {
		record.Partners = append(record.Partners, domain.Partner{Name: p.Nome, Qualification: p.Qual})
	}

	return domain.ProviderOutcome{Kind: domain.OutcomeOK, Record: record}, nil
}

func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse("02/01/2006", s)
	if err != nil {
		return time.Time{}
	}
	return t
}
