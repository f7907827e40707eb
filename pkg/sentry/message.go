package sentry

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

const (
	HeaderKey    = "sentry_key"
	HeaderSecret = "sentry_secret"
)

var (
	headerPattern  = regexp.MustCompile(`sentry_key=(?P<sentry_key>[^, =]+), sentry_secret=(?P<sentry_secret>[^, =]+)$`)
	udpSeparator   = []byte("\n\n")
	documentConfig = jsoniter.Config{UseNumber: true}.Froze()
)

// Document is a decoded message body.
type Document = map[string]any

// Message is a parsed sentry report: auth headers plus the raw compressed body.
type Message struct {
	Headers map[string]string
	Body    []byte

	once    sync.Once
	decoded Document
	err     error
}

// NewMessage builds a message from already parsed headers and a decoded (base64-free) body.
func NewMessage(headers map[string]string, body []byte) *Message {
	return &Message{Headers: headers, Body: body}
}

// ParseHeaders extracts the sentry key and secret from the tail of an auth header.
func ParseHeaders(raw string) (map[string]string, error) {
	match := headerPattern.FindStringSubmatch(raw)
	if match == nil {
		return nil, ErrBadHeader
	}
	headers := make(map[string]string, 2)
	for i, name := range headerPattern.SubexpNames() {
		if name != "" {
			headers[name] = match[i]
		}
	}
	return headers, nil
}

// CreateFromUDP parses a `<headers>\n\n<base64 body>` datagram.
func CreateFromUDP(data []byte) (*Message, error) {
	rawHeaders, encoded, found := bytes.Cut(data, udpSeparator)
	if !found {
		return nil, ErrMalformedMessage
	}
	if !utf8.Valid(rawHeaders) {
		return nil, ErrBadHeader
	}
	headers, err := ParseHeaders(string(rawHeaders))
	if err != nil {
		return nil, err
	}
	body, err := decodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	return NewMessage(headers, body), nil
}

// CreateFromHTTP builds a message from the X-Sentry-Auth header and a base64 request body.
func CreateFromHTTP(authHeader string, data []byte) (*Message, error) {
	headers, err := ParseHeaders(authHeader)
	if err != nil {
		return nil, err
	}
	body, err := decodeBase64(data)
	if err != nil {
		return nil, err
	}
	return NewMessage(headers, body), nil
}

func decodeBase64(data []byte) ([]byte, error) {
	data = bytes.TrimSpace(data)
	body := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(body, data)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "base64 body: %v", err)
	}
	return body[:n], nil
}

// DecodeBody inflates and parses the body. The result is memoized; every call
// returns a private copy that the caller may modify.
func (m *Message) DecodeBody() (Document, error) {
	m.once.Do(func() {
		m.decoded, m.err = decodeBody(m.Body)
	})
	if m.err != nil {
		return nil, m.err
	}
	return copyValue(m.decoded).(Document), nil
}

func decodeBody(body []byte) (Document, error) {
	reader, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptBody, "inflate: %v", err)
	}
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrapf(ErrCorruptBody, "inflate: %v", err)
	}
	if !utf8.Valid(raw) {
		return nil, errors.Wrap(ErrCorruptBody, "body is not utf-8")
	}
	var doc Document
	if err := documentConfig.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(ErrCorruptBody, "json: %v", err)
	}
	if doc == nil {
		return nil, errors.Wrap(ErrCorruptBody, "json root is not an object")
	}
	return doc, nil
}

// EncodeBody is the inverse of DecodeBody: JSON then zlib.
func EncodeBody(doc Document) ([]byte, error) {
	raw, err := documentConfig.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "marshal document")
	}
	var buf bytes.Buffer
	writer := zlib.NewWriter(&buf)
	if _, err := writer.Write(raw); err != nil {
		return nil, errors.Wrap(err, "deflate document")
	}
	if err := writer.Close(); err != nil {
		return nil, errors.Wrap(err, "deflate document")
	}
	return buf.Bytes(), nil
}

// Credentials returns the per-message basic auth pair.
func (m *Message) Credentials() (string, string) {
	return m.Headers[HeaderKey], m.Headers[HeaderSecret]
}

func (m *Message) String() string {
	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%q: %q", k, m.Headers[k]))
	}
	return fmt.Sprintf("SentryMessage(headers={%s}, body=%q)", strings.Join(pairs, ", "), m.Body)
}

func copyValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = copyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}
