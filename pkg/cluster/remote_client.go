package cluster

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"

	"ringdb/pkg/replication"
)

// ProxyHeader marks a request forwarded by another node: the receiver must
// answer from its own storage and not fan out again.
const ProxyHeader = "X-Proxy-To-Node"

const EntityPath = "/v0/entity"

// HTTPPeer реализует replication.Peer поверх HTTP API другой ноды
type HTTPPeer struct {
	baseURL    string
	self       string
	httpClient *http.Client
}

var _ replication.Peer = (*HTTPPeer)(nil)

// NewHTTPPeer создает клиент для удаленной ноды. self уходит в ProxyHeader.
func NewHTTPPeer(baseURL, self string, client *http.Client) *HTTPPeer {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPeer{
		baseURL:    baseURL,
		self:       self,
		httpClient: client,
	}
}

func (c *HTTPPeer) entityURL(key []byte) string {
	return c.baseURL + EntityPath + "?id=" + url.QueryEscape(string(key))
}

func (c *HTTPPeer) do(ctx context.Context, method string, key, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.entityURL(key), rd)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "create %s request", method)
	}
	req.Header.Set(ProxyHeader, c.self)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "%s %s", method, c.baseURL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Wrap(err, "read response")
	}
	return resp.StatusCode, data, nil
}

func (c *HTTPPeer) Get(ctx context.Context, key []byte) (replication.ResponseValue, error) {
	status, body, err := c.do(ctx, http.MethodGet, key, nil)
	if err != nil {
		return replication.ResponseValue{}, err
	}
	switch status {
	case http.StatusOK:
		return replication.DecodeActive(body)
	case http.StatusNotFound:
		return replication.DecodeMissing(body)
	default:
		return replication.ResponseValue{}, errors.Newf("GET %s failed with status %d: %s", c.baseURL, status, body)
	}
}

func (c *HTTPPeer) Upsert(ctx context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	status, body, err := c.do(ctx, http.MethodPut, key, value)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return errors.Newf("PUT %s failed with status %d: %s", c.baseURL, status, body)
	}
	return nil
}

func (c *HTTPPeer) Delete(ctx context.Context, key []byte) error {
	status, body, err := c.do(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return errors.Newf("DELETE %s failed with status %d: %s", c.baseURL, status, body)
	}
	return nil
}
