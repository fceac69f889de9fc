package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse is the subset of the token endpoint reply the flow reads.
type TokenResponse struct {
	IDToken          string `json:"id_token"`
	AccessToken      string `json:"access_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// exchangeCode redeems an authorization code at tokenURL. The request is built by hand
// rather than through oauth2.Config.Exchange because the provider may legitimately omit
// access_token, which x/oauth2 treats as a hard error.
func exchangeCode(ctx context.Context, httpClient *http.Client, tokenURL string, form url.Values) (TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResponse{}, newError(KindTokenExchangeFailed, ErrTokenExchangeFailed.Message, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, newError(KindTokenExchangeFailed, ErrTokenExchangeFailed.Message, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return TokenResponse{}, newError(KindTokenExchangeFailed, ErrTokenExchangeFailed.Message, err)
	}

	var tok TokenResponse
	decodeErr := json.Unmarshal(raw, &tok)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := ErrTokenExchangeFailed.Message
		if decodeErr == nil && tok.ErrorDescription != "" {
			msg = tok.ErrorDescription
		}
		return TokenResponse{}, newError(KindTokenExchangeFailed, msg, nil)
	}
	if decodeErr != nil {
		return TokenResponse{}, newError(KindTokenExchangeFailed, ErrTokenExchangeFailed.Message, fmt.Errorf("decode token response: %w", decodeErr))
	}
	if tok.IDToken == "" {
		return TokenResponse{}, newError(KindMissingIDToken, ErrMissingIDToken.Message, nil)
	}
	return tok, nil
}
