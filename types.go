package oauth

// ConsentScreenResponse is the payload backing the consent UI: application
// display metadata plus the validated request parameters to echo into the
// decision call.
type ConsentScreenResponse struct {
	ClientID            string   `json:"client_id"`
	AppName             string   `json:"app_name"`
	AppDescription      string   `json:"app_description,omitempty"`
	AppOverview         string   `json:"app_overview,omitempty"`
	DeveloperName       string   `json:"developer_name,omitempty"`
	LogoURL             string   `json:"logo_url,omitempty"`
	Website             string   `json:"website,omitempty"`
	InstallURL          string   `json:"install_url,omitempty"`
	Screenshots         []string `json:"screenshots,omitempty"`
	Status              string   `json:"status,omitempty"`
	Scopes              []string `json:"scopes"`
	RedirectURI         string   `json:"redirect_uri"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
}

// AuthorizationDecisionRequest is the JSON body of POST /oauth/authorize.
type AuthorizationDecisionRequest struct {
	ClientID            string   `json:"client_id"`
	Decision            string   `json:"decision"` // "allow" or "deny"
	Scopes              []string `json:"scopes"`
	RedirectURI         string   `json:"redirect_uri"`
	State               string   `json:"state,omitempty"`
	CodeChallenge       string   `json:"code_challenge,omitempty"`
	CodeChallengeMethod string   `json:"code_challenge_method,omitempty"`
	TeamID              string   `json:"team_id"`
}

// AuthorizationDecisionResponse carries the redirect the browser follows
// after a decision, whether consent was granted or denied.
type AuthorizationDecisionResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// TokenResponse is the success payload of POST /oauth/token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// RevokeResponse is the payload of POST /oauth/revoke. Always successful for
// an authenticated client, whether or not the token existed.
type RevokeResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the JSON error body of every endpoint.
type ErrorResponse struct {
	Message string `json:"message"`
}
