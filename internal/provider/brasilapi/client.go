// Package brasilapi implements the ProviderClient contract against the
// BrasilAPI public CNPJ lookup endpoint (no key required, generous limit).
package brasilapi

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

const defaultBaseURL = "https://brasilapi.com.br/api/cnpj/v1"

var tracer = otel.Tracer("provider.brasilapi")

// Client queries the BrasilAPI endpoint for one CNPJ per call.
type Client struct {
	name           string
	limitPerMinute int
	baseURL        string
	http           *http.Client
}

// New constructs a brasilapi Client with the given declared per-minute limit.
func New(limitPerMinute int, timeout time.Duration) *Client {
	return &Client{
		name:           "brasilapi",
		limitPerMinute: limitPerMinute,
		baseURL:        defaultBaseURL,
		http:           provider.NewHTTPClient(timeout, "brasilapi.query"),
	}
}

// Name returns the provider's registered name.
func (c *Client) Name() string { return c.name }

// LimitPerMinute returns the declared per-minute limit.
func (c *Client) LimitPerMinute() int { return c.limitPerMinute }

type brasilAPIResponse struct {
	Message                     string `json:"message"`
	RazaoSocial                 string `json:"razao_social"`
	NomeFantasia                string `json:"nome_fantasia"`
	DescricaoSituacaoCadastral  string `json:"descricao_situacao_cadastral"`
	DataSituacaoCadastral       string `json:"data_situacao_cadastral"`
	CodigoAtividadePrincipal    string `json:"cnae_fiscal"`
	DescricaoAtividadePrincipal string `json:"cnae_fiscal_descricao"`
	CNAESSecundarios            []struct {
		Codigo    int    `json:"codigo"`
		Descricao string `json:"descricao"`
	} `json:"cnaes_secundarios"`
	Logradouro        string  `json:"logradouro"`
	Numero            string  `json:"numero"`
	Complemento       string  `json:"complemento"`
	Bairro            string  `json:"bairro"`
	Municipio         string  `json:"municipio"`
	UF                string  `json:"uf"`
	CEP               string  `json:"cep"`
	Email             string  `json:"email"`
	DDDTelefone1      string  `json:"ddd_telefone_1"`
	CapitalSocial     float64 `json:"capital_social"`
	NaturezaJuridica  string  `json:"natureza_juridica"`
	DataInicioAtividade string `json:"data_inicio_atividade"`
	OpcaoPeloSimples  bool    `json:"opcao_pelo_simples"`
	DataOpcaoSimples  string  `json:"data_opcao_pelo_simples"`
	OpcaoPeloMEI      bool    `json:"opcao_pelo_mei"`
	QSA []struct {
		NomeSocio                  string `json:"nome_socio"`
		QualificacaoSocio          string `json:"qualificacao_socio"`
		DataEntradaSociedade       string `json:"data_entrada_sociedade"`
	} `json:"qsa"`
}

// Query performs exactly one HTTP round trip and classifies the response.
func (c *Client) Query(ctx context.Context, cnpj string) (domain.ProviderOutcome, error) {
	ctx, span := tracer.Start(ctx, "brasilapi.Query")
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

	var body brasilAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.ProviderOutcome{Kind: domain.OutcomeTransientError, Cause: err}, nil
	}

	record := domain.CompanyRecord{
		CNPJ:                   cnpj,
		LegalName:              body.RazaoSocial,
		TradeName:              body.NomeFantasia,
		RegistrationStatus:     body.DescricaoSituacaoCadastral,
		RegistrationStatusDate: parseDate(body.DataSituacaoCadastral),
		MainActivityCode:       body.CodigoAtividadePrincipal,
		MainActivityDesc:       body.DescricaoAtividadePrincipal,
		AddressStreet:          body.Logradouro,
		AddressNumber:          body.Numero,
		AddressComplement:      body.Complemento,
		AddressDistrict:        body.Bairro,
		AddressCity:            body.Municipio,
		AddressState:           body.UF,
		AddressZIP:             body.CEP,
		Email:                  body.Email,
		Phone:                  body.DDDTelefone1,
		ShareCapital:           body.CapitalSocial,
		LegalNature:            body.NaturezaJuridica,
		OpenedAt:               parseDate(body.DataInicioAtividade),
		SimplesNacional:        body.OpcaoPeloSimples,
		SimplesNacionalSince:   parseDate(body.DataOpcaoSimples),
		MEI:                    body.OpcaoPeloMEI,
		Provider:               c.name,
		QueriedAt:              time.Now().UTC(),
	}
	for _, a := range body.CNAESSecundarios {
		record.SecondaryActivityCodes = append(record.SecondaryActivityCodes, fmt.Sprintf("%d", a.Codigo))
	}
	for _, p := range body.QSA {
		record.Partners = append(record.Partners, domain.Partner{
			Name:          p.NomeSocio,
			Qualification: p.QualificacaoSocio,
			Since:         parseDate(p.DataEntradaSociedade),
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
