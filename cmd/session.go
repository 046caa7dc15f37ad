package cmd

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyauth"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
)

// connectHarmony returns a client with an established session, reusing a
// cached session token when there is one and logging in otherwise
func connectHarmony(ctx context.Context) (harmonyapi.Harmony, error) {
	address := viper.GetString("harmony.address")
	port := viper.GetInt("harmony.port")
	email := viper.GetString("harmony.email")
	tokenFile := viper.GetString("harmony.token-file")
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))

	var logStanzas bool
	if viper.GetBool("logging.log-stanzas") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logStanzas = true
		} else {
			logging.Logger(nil).Warn("log-stanzas ignored when not in debug mode")
		}
	}

	client := harmonyapi.NewLiveClient().
		WithDialer(harmonyapi.NewXMPPDialer(harmonyapi.XMPPOptions{
			LogStanzas:   logStanzas,
			PingInterval: viper.GetDuration("harmony.keepalive"),
		})).
		WithConnectTimeout(viper.GetDuration("harmony.connect-timeout"))

	state := harmonyauth.NewState().WithContext(ctx)
	if tokenFile != "" {
		if err := state.Load(tokenFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			logging.Logger(ctx).WithError(err).Warn("ignoring token state")
		}
	}

	connected := false
	if state.Matches(address, port, email) {
		logging.Logger(ctx).Debugf("using cached session token: %s", state)
		if err := client.Connect(hostPort, state.SessionToken()); err != nil {
			logging.Logger(ctx).WithError(err).Warn("cached session token rejected, logging in again")
			state.Clear()
		} else {
			connected = true
		}
	}

	if !connected {
		if err := checkRequiredFlags("harmony.email", "harmony.password"); err != nil {
			return nil, err
		}

		sessionToken, err := login(ctx, &state, address, port)
		if err != nil {
			return nil, err
		}

		if err := client.Connect(hostPort, sessionToken); err != nil {
			return nil, err
		}

		if tokenFile != "" {
			if err := state.Save(tokenFile); err != nil {
				logging.Logger(ctx).WithError(err).Warn("caching session token")
			}
		}
	}

	return client.
		WithContext(ctx).
		WithTimeout(viper.GetDuration("harmony.reply-timeout")).
		WithHoldDuration(viper.GetDuration("harmony.hold-duration")), nil
}

func login(ctx context.Context, state *harmonyauth.State, address string, port int) (string, error) {
	email := viper.GetString("harmony.email")

	auth := harmonyauth.NewAuthenticator().WithLoginURL(viper.GetString("harmony.login-url"))
	userToken, err := auth.Login(ctx, email, viper.GetString("harmony.password"))
	if err != nil {
		return "", errors.Wrap(err, "getting token from Logitech server")
	}

	swapper := harmonyauth.NewSwapper().WithTimeout(viper.GetDuration("harmony.connect-timeout"))
	sessionToken, err := swapper.SwapAuthToken(ctx, address, port, userToken)
	if err != nil {
		return "", errors.Wrap(err, "swapping login token for session token")
	}

	state.HubAddress = address
	state.HubPort = port
	state.Email = email
	state.SetTokens(userToken, sessionToken)

	return sessionToken, nil
}

// withHarmony connects, runs fn and disconnects
func withHarmony(fn func(client harmonyapi.Harmony) error) error {
	if err := checkRequiredFlags("harmony.address"); err != nil {
		return err
	}

	client, err := connectHarmony(context.Background())
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logging.Logger(nil).WithError(err).Debug("closing session")
		}
	}()

	return fn(client)
}
