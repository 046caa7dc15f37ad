package harmonyauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

// DefaultLoginURL is the vendor service that issues long-lived user tokens
const DefaultLoginURL = "https://svcs.myharmony.com/CompositeSecurityServices/Security.svc/json/GetUserAuthToken"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	GetUserAuthTokenResult *struct {
		AccountID     int    `json:"AccountId"`
		UserAuthToken string `json:"UserAuthToken"`
	} `json:"GetUserAuthTokenResult"`
}

type Authenticator struct {
	LoginURL string
	Client   *http.Client
}

func NewAuthenticator() Authenticator {
	return Authenticator{
		LoginURL: DefaultLoginURL,
		Client:   http.DefaultClient,
	}
}

func (a Authenticator) WithLoginURL(u string) Authenticator {
	a.LoginURL = u
	return a
}

// Login exchanges account credentials for a long-lived user token
func (a Authenticator) Login(ctx context.Context, email string, password string) (string, error) {
	ctxLogger := logging.Logger(ctx)

	reqBody, err := json.Marshal(loginRequest{Email: email, Password: password})
	if err != nil {
		return "", errors.Wrap(err, "encoding login request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.LoginURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", errors.Wrap(err, "building login request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	ctxLogger.Debugf("Sending login request for %s to [%s]", email, a.LoginURL)

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", &harmonyapi.ConnectionError{Address: a.LoginURL, Err: errors.Wrap(err, "executing login request")}
	}
	defer resp.Body.Close()

	bodyBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode != 200 {
		return "", &harmonyapi.ConnectionError{
			Address: a.LoginURL,
			Err:     fmt.Errorf("non-200 code from login service: %d (%s): %s", resp.StatusCode, resp.Status, bodyBytes),
		}
	}

	loginResp := loginResponse{}
	if err := json.Unmarshal(bodyBytes, &loginResp); err != nil {
		return "", errors.Wrap(err, "decoding login response")
	}

	if loginResp.GetUserAuthTokenResult == nil || loginResp.GetUserAuthTokenResult.UserAuthToken == "" {
		return "", &harmonyapi.ConnectionError{Address: a.LoginURL, Err: errors.New("login rejected, no user token returned")}
	}

	return loginResp.GetUserAuthTokenResult.UserAuthToken, nil
}
