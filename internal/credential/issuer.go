package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ClientCredentialsIssuer fetches tokens with the OAuth2 client-credentials
// grant, the way Baidu's token endpoint expects it: a GET with the client id
// and secret in the query string.
type ClientCredentialsIssuer struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Client       *http.Client
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"` // seconds
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Issue requests a new token. Endpoint errors come back as a
// *provider.CredentialError carrying error_description verbatim.
func (i *ClientCredentialsIssuer) Issue(ctx context.Context) (Token, error) {
	query := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {i.ClientID},
		"client_secret": {i.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.TokenURL+"?"+query.Encode(), nil)
	if err != nil {
		return Token{}, &provider.CredentialError{Err: fmt.Errorf("creating request: %w", err)}
	}

	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Token{}, &provider.CredentialError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Token{}, &provider.CredentialError{Err: fmt.Errorf("reading token response: %w", err)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, &provider.CredentialError{
			Err: fmt.Errorf("token endpoint returned status %d with undecodable body: %w", resp.StatusCode, err),
		}
	}

	if tr.Error != "" {
		desc := tr.ErrorDescription
		if desc == "" {
			desc = tr.Error
		}
		return Token{}, &provider.CredentialError{Description: desc}
	}
	if tr.AccessToken == "" {
		return Token{}, &provider.CredentialError{
			Description: fmt.Sprintf("token endpoint returned status %d without access_token", resp.StatusCode),
		}
	}

	return Token{
		AccessToken: tr.AccessToken,
		Lifetime:    time.Duration(tr.ExpiresIn) * time.Second,
	}, nil
}
