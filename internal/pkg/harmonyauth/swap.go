package harmonyauth

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/jake-scott/harmonyctl/internal/pkg/harmonyapi"
	"github.com/jake-scott/harmonyctl/internal/pkg/logging"
	"github.com/pkg/errors"
)

/*
 *  The hub hands out session credentials to a fixed guest account in
 *  exchange for the user token from the login service.
 */

const (
	guestUser     = "guest@x.com"
	guestResource = "gatorade"
	guestPassword = "gatorade."

	mimePair   = "vnd.logitech.connect/vnd.logitech.pair"
	clientName = "foo#iOS6.0.1#iPhone"

	defaultSwapTimeout = time.Second * 10
)

// EncodePairRequest builds the pairing payload for a user token
func EncodePairRequest(token string) (mime string, payload string) {
	return mimePair, "token=" + token + ":name=" + clientName
}

// DecodePairReply pulls the session identity out of a pairing reply
func DecodePairReply(text string) (string, error) {
	params := harmonyapi.ParseParams(text)

	if status, ok := params["status"]; ok && status != "succeeded" {
		return "", &harmonyapi.DecodeError{What: "pairing reply", Body: text, Err: errors.Errorf("status %s", status)}
	}

	identity := params["identity"]
	if identity == "" {
		return "", &harmonyapi.DecodeError{What: "pairing reply", Body: text, Err: errors.New("no identity")}
	}

	return identity, nil
}

type Swapper struct {
	dial    harmonyapi.Dialer
	timeout time.Duration
}

func NewSwapper() Swapper {
	return Swapper{
		dial: harmonyapi.NewXMPPDialer(harmonyapi.XMPPOptions{
			User:     guestUser,
			Resource: guestResource,
			Password: guestPassword,
		}),
		timeout: defaultSwapTimeout,
	}
}

func (s Swapper) WithDialer(d harmonyapi.Dialer) Swapper {
	s.dial = d
	return s
}

func (s Swapper) WithTimeout(d time.Duration) Swapper {
	s.timeout = d
	return s
}

// SwapAuthToken exchanges a user token for a session credential on the hub
func (s Swapper) SwapAuthToken(ctx context.Context, address string, port int, token string) (string, error) {
	hostPort := net.JoinHostPort(address, strconv.Itoa(port))

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	ch, err := s.dial(ctx, hostPort, "")
	if err != nil {
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: errors.Wrap(err, "dialing hub as guest")}
	}
	defer ch.Close()

	select {
	case <-ch.Ready():
	case <-ch.Done():
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: errors.Wrap(ch.Err(), "establishing guest session")}
	case <-ctx.Done():
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: errors.Wrap(ctx.Err(), "waiting for guest session")}
	}

	mime, payload := EncodePairRequest(token)
	logging.Logger(ctx).Debugf("requesting session token from %s", hostPort)

	reply, err := ch.Send(ctx, harmonyapi.Request{
		Type:      "get",
		Namespace: "connect.logitech.com",
		Mime:      mime,
		Payload:   payload,
	})
	if err != nil {
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: errors.Wrap(err, "exchanging user token")}
	}

	el, err := harmonyapi.AssertSuccess(mime, reply)
	if err != nil {
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: err}
	}

	identity, err := DecodePairReply(el.Text)
	if err != nil {
		return "", &harmonyapi.ConnectionError{Address: hostPort, Err: err}
	}

	return identity, nil
}
