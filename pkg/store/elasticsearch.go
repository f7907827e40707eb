package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/elasticsearch-raven/pkg/config"
)

const tracerName = "elasticsearch-raven"

var jsonConfig = jsoniter.Config{UseNumber: true, SortMapKeys: true}.Froze()

// Elasticsearch is a DocumentStore and Scanner backed by one client connection.
type Elasticsearch struct {
	client *elasticsearch.Client
	tracer trace.Tracer
}

// NewElasticsearch connects to the configured host. Username and password are
// the connection's default credentials; a Document's Auth overrides them.
func NewElasticsearch(cfg config.ElasticsearchSettings, username, password string) (*Elasticsearch, error) {
	esCfg := elasticsearch.Config{
		Addresses:    []string{address(cfg.Host, cfg.UseSSL)},
		Username:     username,
		Password:     password,
		DisableRetry: true,
	}
	if cfg.UseSSL {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, errors.Wrap(err, "create elasticsearch client")
	}
	return &Elasticsearch{client: client, tracer: otel.Tracer(tracerName)}, nil
}

func address(host string, useSSL bool) string {
	if strings.Contains(host, "://") {
		return host
	}
	if useSSL {
		return "https://" + host
	}
	return "http://" + host
}

func (e *Elasticsearch) Index(ctx context.Context, doc *Document) error {
	ctx, span := e.tracer.Start(ctx, "Index", trace.WithAttributes(
		attribute.String("db.system", "elasticsearch"),
		attribute.String("db.elasticsearch.index", doc.Index),
		attribute.String("db.elasticsearch.doc_type", doc.DocType),
		attribute.String("db.elasticsearch.id", doc.ID),
	))
	defer span.End()

	body, err := jsonConfig.Marshal(doc.Body)
	if err != nil {
		return errors.Wrap(err, "marshal document")
	}

	req := esapi.IndexRequest{
		Index:      doc.Index,
		DocumentID: doc.ID,
		Body:       bytes.NewReader(body),
		Header:     authHeader(doc.Auth),
	}
	res, err := req.Do(ctx, e.client)
	if err = checkResponse(res, err); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(attribute.Int("db.elasticsearch.body_size_bytes", len(body)))
	return nil
}

func (e *Elasticsearch) Delete(ctx context.Context, index, id string, auth *BasicAuth) error {
	req := esapi.DeleteRequest{
		Index:      index,
		DocumentID: id,
		Header:     authHeader(auth),
	}
	res, err := req.Do(ctx, e.client)
	return checkResponse(res, err)
}

type scrollResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			Index  string         `json:"_index"`
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *Elasticsearch) Scan(ctx context.Context, pattern string, pageSize int, fn func(Hit) error) error {
	const keepAlive = time.Minute

	res, err := esapi.SearchRequest{
		Index:  []string{pattern},
		Size:   &pageSize,
		Scroll: keepAlive,
	}.Do(ctx, e.client)
	page, err := decodeScroll(res, err)
	if err != nil {
		return err
	}

	scrollID := page.ScrollID
	defer func() {
		if scrollID == "" {
			return
		}
		cleared, err := esapi.ClearScrollRequest{ScrollID: []string{scrollID}}.Do(context.Background(), e.client)
		if err == nil {
			cleared.Body.Close()
		}
	}()

	for len(page.Hits.Hits) > 0 {
		for _, hit := range page.Hits.Hits {
			if err := fn(Hit{Index: hit.Index, ID: hit.ID, Source: hit.Source}); err != nil {
				return err
			}
		}
		res, err := esapi.ScrollRequest{ScrollID: scrollID, Scroll: keepAlive}.Do(ctx, e.client)
		page, err = decodeScroll(res, err)
		if err != nil {
			return err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return nil
}

func decodeScroll(res *esapi.Response, err error) (*scrollResponse, error) {
	if err := checkStatus(res, err); err != nil {
		return nil, err
	}
	defer res.Body.Close()
	page := &scrollResponse{}
	if err := jsonConfig.NewDecoder(res.Body).Decode(page); err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}
	return page, nil
}

func authHeader(auth *BasicAuth) http.Header {
	if auth == nil || auth.Username == "" {
		return nil
	}
	token := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
	return http.Header{"Authorization": []string{"Basic " + token}}
}

// checkResponse classifies the outcome of a write and closes the body.
func checkResponse(res *esapi.Response, err error) error {
	if err := checkStatus(res, err); err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	return nil
}

// checkStatus leaves the body open on success.
func checkStatus(res *esapi.Response, err error) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &ConnectionError{Err: err}
	}
	if !res.IsError() {
		return nil
	}
	defer res.Body.Close()

	var payload struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(res.Body)
	reason := strings.TrimSpace(string(raw))
	if jsonConfig.Unmarshal(raw, &payload) == nil && payload.Error.Reason != "" {
		reason = payload.Error.Reason
	}

	if transientStatus(res.StatusCode) {
		return &ConnectionError{StatusCode: res.StatusCode, Err: errors.New(reason)}
	}
	return &RejectedError{StatusCode: res.StatusCode, Type: payload.Error.Type, Reason: reason}
}
