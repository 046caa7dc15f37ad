package harmonyauth

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

// State is the cached result of a login and token swap for one hub
type State struct {
	HubAddress string
	HubPort    int
	Email      string
	ObtainedAt time.Time

	// non-exported
	userToken    string
	sessionToken string
	ctx          context.Context
	fileName     string
}

// Version of state that we marshal/unmarshal
type stateMarshal struct {
	HubAddress   string    `json:"hub-address"`
	HubPort      int       `json:"hub-port"`
	Email        string    `json:"email"`
	ObtainedAt   time.Time `json:"obtained-at"`
	UserToken    string    `json:"user-token"`
	SessionToken string    `json:"session-token"`
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
//
func (s State) String() string {
	return fmt.Sprintf("HubAddress [%s:%d] Email [%s] ObtainedAt [%s] userToken [%s] sessionToken [%s]",
		s.HubAddress, s.HubPort, s.Email, s.ObtainedAt, hashOf(s.userToken), hashOf(s.sessionToken))
}

func NewState() State {
	return State{
		ctx: context.Background(),
	}
}

func (s State) WithContext(ctx context.Context) State {
	s.ctx = ctx
	return s
}

// SetTokens records a fresh login/swap result
func (s *State) SetTokens(userToken string, sessionToken string) {
	s.userToken = userToken
	s.sessionToken = sessionToken
	s.ObtainedAt = time.Now()
}

func (s *State) UserToken() string {
	return s.userToken
}

func (s *State) SessionToken() string {
	return s.sessionToken
}

// Matches reports whether the cached tokens belong to this hub and account
func (s *State) Matches(address string, port int, email string) bool {
	if s.sessionToken == "" {
		return false
	}

	if s.HubAddress != address || s.HubPort != port {
		return false
	}

	return email == "" || s.Email == email
}

// Clear drops the cached tokens, eg. after the hub rejected them
func (s *State) Clear() {
	s.userToken = ""
	s.sessionToken = ""
	s.ObtainedAt = time.Time{}
}

func (s *State) Save(fileName string) error {
	sm := stateMarshal{
		HubAddress:   s.HubAddress,
		HubPort:      s.HubPort,
		Email:        s.Email,
		ObtainedAt:   s.ObtainedAt,
		UserToken:    s.userToken,
		SessionToken: s.sessionToken,
	}

	file, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening token state %s for write", fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sm); err != nil {
		return errors.Wrapf(err, "saving token state to %s", fileName)
	}

	// Store for later use
	s.fileName = fileName
	return nil
}

// SaveIfLoaded writes the state back to the file it came from, if any
func (s *State) SaveIfLoaded() error {
	if s.fileName != "" {
		return s.Save(s.fileName)
	}

	logging.Logger(s.ctx).Debug("not saving token state, no file name available")
	return nil
}

func (s *State) Load(fileName string) error {
	sm := stateMarshal{}

	file, err := os.OpenFile(fileName, os.O_RDONLY, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening token state %s for read", fileName)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&sm); err != nil {
		return errors.Wrapf(err, "loading token state from %s", fileName)
	}

	s.HubAddress = sm.HubAddress
	s.HubPort = sm.HubPort
	s.Email = sm.Email
	s.ObtainedAt = sm.ObtainedAt
	s.userToken = sm.UserToken
	s.sessionToken = sm.SessionToken

	// Store for later use
	s.fileName = fileName

	return nil
}
