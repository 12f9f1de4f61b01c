// Package flatupload decodes the flat key/value uploads Ecowitt gateways
// send when their "customized upload" target is an MQTT broker.
//
// Gateways publish either the Ecowitt protocol form encoding
// (key=value&key=value) or a flat JSON object. Both are reduced to an
// ordered list of [Field] values. Station metadata such as PASSKEY and
// stationtype is split out so it is never mistaken for a reading.
package flatupload

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/valyala/fastjson"
)

var (
	// ErrMalformedPayload is returned when the whole body is unusable.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrTopicMismatch is returned when a topic is not under the
	// configured root.
	ErrTopicMismatch = errors.New("topic outside configured root")
)

// stationKeys carry gateway metadata, not readings.
var stationKeys = map[string]bool{
	"passkey":     true,
	"stationtype": true,
	"model":       true,
	"freq":        true,
	"dateutc":     true,
}

var invalidIdentity = regexp.MustCompile(`[^a-z0-9_-]+`)

// Field is one reading from an upload, in payload order.
type Field struct {
	Key   string
	Value string
}

// Message is a decoded upload.
type Message struct {
	// GatewayID is the normalised gateway identity.
	GatewayID string

	// Fields holds readings in payload order.
	Fields []Field

	// Station holds metadata keyed by lower-case name.
	Station map[string]string

	// Skipped lists the raw text of pairs that could not be decoded.
	Skipped []string
}

// Root derives the topic root from a subscription filter by dropping a
// trailing "/#" or "/+" wildcard.
func Root(filter string) string {
	r := strings.TrimSpace(filter)
	for _, suffix := range []string{"/#", "/+", "#", "+"} {
		if strings.HasSuffix(r, suffix) {
			r = strings.TrimSuffix(r, suffix)
			break
		}
	}
	return strings.TrimRight(r, "/")
}

// NormalizeIdentity lower-cases s and replaces runs of characters outside
// [a-z0-9_-] with an underscore.
func NormalizeIdentity(s string) string {
	id := invalidIdentity.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	return strings.Trim(id, "_")
}

// Parse decodes body received on topic. The gateway identity is the first
// topic segment below root; on the bare root topic the PASSKEY field is
// used instead.
func Parse(root, topic string, body []byte) (Message, error) {
	segment, err := identitySegment(root, topic)
	if err != nil {
		return Message{}, err
	}

	msg, err := decode(body)
	if err != nil {
		return Message{}, err
	}

	msg.GatewayID = NormalizeIdentity(segment)
	if msg.GatewayID == "" {
		msg.GatewayID = NormalizeIdentity(msg.Station["passkey"])
	}
	if msg.GatewayID == "" {
		return Message{}, fmt.Errorf("%w: no gateway identity in topic %q or payload", ErrMalformedPayload, topic)
	}
	return msg, nil
}

func identitySegment(root, topic string) (string, error) {
	root = strings.TrimRight(root, "/")
	if topic == root {
		return "", nil
	}
	if root != "" && !strings.HasPrefix(topic, root+"/") {
		return "", fmt.Errorf("%w: %q not under %q", ErrTopicMismatch, topic, root)
	}
	rest := topic
	if root != "" {
		rest = topic[len(root)+1:]
	}
	seg, _, _ := strings.Cut(rest, "/")
	return seg, nil
}

func decode(body []byte) (Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	if !utf8.Valid(trimmed) {
		return Message{}, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedPayload)
	}

	msg := Message{Station: make(map[string]string)}
	var err error
	if trimmed[0] == '{' {
		err = decodeJSON(trimmed, &msg)
	} else {
		err = decodeForm(string(trimmed), &msg)
	}
	if err != nil {
		return Message{}, err
	}
	if len(msg.Fields) == 0 && len(msg.Station) == 0 {
		return Message{}, fmt.Errorf("%w: no key/value pairs", ErrMalformedPayload)
	}
	return msg, nil
}

func (m *Message) add(key, value string) {
	if lk := strings.ToLower(key); stationKeys[lk] {
		m.Station[lk] = value
		return
	}
	m.Fields = append(m.Fields, Field{Key: key, Value: value})
}

func decodeForm(s string, msg *Message) error {
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			msg.Skipped = append(msg.Skipped, pair)
			continue
		}
		key, kerr := url.QueryUnescape(k)
		val, verr := url.QueryUnescape(v)
		key = strings.TrimSpace(key)
		if kerr != nil || verr != nil || key == "" {
			msg.Skipped = append(msg.Skipped, pair)
			continue
		}
		msg.add(key, strings.TrimSpace(val))
	}
	return nil
}

func decodeJSON(body []byte, msg *Message) error {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	obj, err := v.Object()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	obj.Visit(func(k []byte, val *fastjson.Value) {
		key := strings.TrimSpace(string(k))
		if key == "" {
			msg.Skipped = append(msg.Skipped, string(k))
			return
		}
		switch val.Type() {
		case fastjson.TypeString:
			msg.add(key, strings.TrimSpace(string(val.GetStringBytes())))
		case fastjson.TypeNumber, fastjson.TypeTrue, fastjson.TypeFalse:
			msg.add(key, val.String())
		default:
			// null, nested objects and arrays carry no flat reading
			msg.Skipped = append(msg.Skipped, key)
		}
	})
	return nil
}
