package harmonyapi

import (
	"fmt"
	"strconv"
	"strings"
)

/*
 *  Action selectors and payload encodings understood by the hub engine.
 *
 *  Payloads are a flat colon separated list of key=value tokens.  The
 *  action object embedded in a holdAction uses "key"::"value" pairs; the
 *  hub expects exactly that, so it is built by hand and never passed
 *  through encoding/json.
 */

const (
	mimeConfig          = "vnd.logitech.harmony/vnd.logitech.harmony.engine?config"
	mimeCurrentActivity = "vnd.logitech.harmony/vnd.logitech.harmony.engine?getCurrentActivity"
	mimeStartActivity   = "harmony.engine?startactivity"
	mimeHoldAction      = "harmony.engine?holdAction"
)

// Reply errorcode for success
const successCode = "200"

const (
	HoldStatusPress   = "press"
	HoldStatusRelease = "release"
)

// Every stanza goes out as an IQ get, including the state changing ones
const requestType = "get"

func newRequest(mime, payload string) Request {
	return Request{
		Type:      requestType,
		Namespace: actionNamespace,
		Mime:      mime,
		Payload:   payload,
	}
}

func EncodeConfigRequest() (mime string, payload string) {
	return mimeConfig, ""
}

func EncodeCurrentActivityRequest() (mime string, payload string) {
	return mimeCurrentActivity, ""
}

func EncodeStartActivity(activityID string) (mime string, payload string) {
	return mimeStartActivity, "activityId=" + activityID + ":timestamp=0"
}

// EncodeHoldAction builds a holdAction payload for an IR command on a device
func EncodeHoldAction(command string, deviceID string, status string, timestampMs int64) (mime string, payload string) {
	var b strings.Builder
	b.WriteString("status=")
	b.WriteString(status)
	b.WriteString(`:action={"command"::"`)
	b.WriteString(command)
	b.WriteString(`","type"::"IRCommand","deviceId"::"`)
	b.WriteString(deviceID)
	b.WriteString(`"}:timestamp=`)
	b.WriteString(strconv.FormatInt(timestampMs, 10))

	return mimeHoldAction, b.String()
}

// DecodeCurrentActivityReply parses a "key=value" body into an activity ID
func DecodeCurrentActivityReply(text string) (int, error) {
	body := strings.TrimSpace(text)
	tokens := strings.Split(body, "=")
	if len(tokens) != 2 {
		return 0, &DecodeError{What: "current activity", Body: body, Err: fmt.Errorf("expected key=value, got %d tokens", len(tokens))}
	}

	id, err := strconv.Atoi(strings.TrimSpace(tokens[1]))
	if err != nil {
		return 0, &DecodeError{What: "current activity", Body: body, Err: err}
	}

	return id, nil
}

// ParseParams splits a flat key=value:key=value body into a map.  Colons
// inside {...} groups do not split tokens.  A token without '=' maps to "".
func ParseParams(text string) map[string]string {
	params := make(map[string]string)

	depth := 0
	start := 0
	body := strings.TrimSpace(text)
	addToken := func(tok string) {
		if tok == "" {
			return
		}
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) == 2 {
			params[kv[0]] = kv[1]
		} else {
			params[kv[0]] = ""
		}
	}

	for i, r := range body {
		switch r {
		case '{':
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
		case ':':
			if depth == 0 {
				addToken(body[start:i])
				start = i + 1
			}
		}
	}
	addToken(body[start:])

	return params
}

// singlePayload returns the only element of a reply
func singlePayload(mime string, reply *Reply) (Element, error) {
	if reply == nil {
		return Element{}, &ProtocolError{Mime: mime, Reason: "no reply"}
	}

	if n := len(reply.Elements); n != 1 {
		return Element{}, &ProtocolError{Mime: mime, Reason: fmt.Sprintf("expected 1 payload element, got %d", n)}
	}

	return reply.Elements[0], nil
}

// AssertSuccess checks a reply has exactly one payload element and that it
// carries the success errorcode
func AssertSuccess(mime string, reply *Reply) (Element, error) {
	el, err := singlePayload(mime, reply)
	if err != nil {
		return Element{}, err
	}

	if code := el.Attr("errorcode"); code != successCode {
		reason := "non-success reply"
		if msg := el.Attr("errorstring"); msg != "" {
			reason = msg
		}
		return Element{}, &ProtocolError{Mime: mime, ErrorCode: code, Reason: reason}
	}

	return el, nil
}
