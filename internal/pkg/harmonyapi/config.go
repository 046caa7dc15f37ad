package harmonyapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Activity struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	// Order is the activityOrder number as the hub wrote it; empty when absent
	Order json.Number `json:"order,omitempty"`
}

type Device struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Configuration is one snapshot of the hub configuration, in document order
type Configuration struct {
	Activities []Activity `json:"activities"`
	Devices    []Device   `json:"devices"`
}

// Shape of the config document as sent by the hub; only the fields we use
type configDocument struct {
	Activity []struct {
		ID            *string         `json:"id"`
		Label         *string         `json:"label"`
		ActivityOrder json.RawMessage `json:"activityOrder"`
	} `json:"activity"`
	Device []struct {
		ID    *string `json:"id"`
		Label *string `json:"label"`
	} `json:"device"`
}

// DecodeConfigReply parses the config JSON document into activities and devices
func DecodeConfigReply(payload string) ([]Activity, []Device, error) {
	doc := configDocument{}
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, nil, &DecodeError{What: "configuration", Body: abbreviate(payload), Err: err}
	}

	activities := make([]Activity, 0, len(doc.Activity))
	for i, a := range doc.Activity {
		if a.ID == nil || a.Label == nil {
			return nil, nil, &DecodeError{What: "configuration", Body: abbreviate(payload), Err: fmt.Errorf("activity %d: missing id or label", i)}
		}

		item := Activity{ID: *a.ID, Label: *a.Label}
		order, err := parseOrder(a.ActivityOrder)
		if err != nil {
			return nil, nil, &DecodeError{What: "configuration", Body: abbreviate(payload), Err: errors.Wrapf(err, "activity %s order", item.ID)}
		}
		item.Order = order

		activities = append(activities, item)
	}

	devices := make([]Device, 0, len(doc.Device))
	for i, d := range doc.Device {
		if d.ID == nil || d.Label == nil {
			return nil, nil, &DecodeError{What: "configuration", Body: abbreviate(payload), Err: fmt.Errorf("device %d: missing id or label", i)}
		}

		devices = append(devices, Device{ID: *d.ID, Label: *d.Label})
	}

	return activities, devices, nil
}

// activityOrder is a number in the documents we have seen; accept a
// numeric string too.  The number text is kept as sent so 1.5 stays 1.5.
func parseOrder(raw json.RawMessage) (json.Number, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch order := v.(type) {
	case json.Number:
		return order, nil
	case string:
		s := strings.TrimSpace(order)
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return "", err
		}
		return json.Number(s), nil
	}

	return "", fmt.Errorf("unsupported value %s", raw)
}

// NewConfiguration builds a snapshot from the hub's config document
func NewConfiguration(payload string) (*Configuration, error) {
	activities, devices, err := DecodeConfigReply(payload)
	if err != nil {
		return nil, err
	}

	return &Configuration{
		Activities: activities,
		Devices:    devices,
	}, nil
}

// Render writes the one-line-per-entity summary
func (c *Configuration) Render(w io.Writer) error {
	for _, a := range c.Activities {
		var err error
		if a.Order != "" {
			_, err = fmt.Fprintf(w, "Activity: %s, #%s, id: %s\n", a.Label, a.Order, a.ID)
		} else {
			_, err = fmt.Fprintf(w, "Activity: %s, id: %s\n", a.Label, a.ID)
		}
		if err != nil {
			return err
		}
	}

	for _, d := range c.Devices {
		if _, err := fmt.Fprintf(w, "Device: %s, id: %s\n", d.Label, d.ID); err != nil {
			return err
		}
	}

	return nil
}

func (c *Configuration) String() string {
	var b bytes.Buffer
	c.Render(&b)
	return b.String()
}

// ActivityByLabel finds an activity by label (case-insensitive) or by ID
func (c *Configuration) ActivityByLabel(name string) (Activity, bool) {
	for _, a := range c.Activities {
		if a.ID == name || strings.EqualFold(a.Label, name) {
			return a, true
		}
	}

	return Activity{}, false
}

// DeviceByLabel finds a device by label (case-insensitive) or by ID
func (c *Configuration) DeviceByLabel(name string) (Device, bool) {
	for _, d := range c.Devices {
		if d.ID == name || strings.EqualFold(d.Label, name) {
			return d, true
		}
	}

	return Device{}, false
}

func abbreviate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
