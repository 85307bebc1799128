package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzhttp"

	"github.com/grafana/btm/modules/analytics"
	"github.com/grafana/btm/pkg/api"
	"github.com/grafana/btm/pkg/model"
	"github.com/grafana/btm/pkg/uripattern"
)

const orgIDHeader = "X-Scope-OrgID"

var ErrNotFound = errors.New("resource not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a client to the btm API.
type Client struct {
	BaseURL string
	OrgID   string
	client  *http.Client
}

func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		client:  &http.Client{},
	}
}

func NewWithCompression(baseURL, orgID string) *Client {
	c := New(baseURL, orgID)
	c.WithTransport(gzhttp.Transport(http.DefaultTransport))
	return c
}

func (c *Client) WithTransport(t http.RoundTripper) {
	c.client.Transport = t
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// getFor sends a GET request and attempts to unmarshal the response.
func (c *Client) getFor(url string, v any) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.HeaderAccept, api.HeaderAcceptJSON)

	resp, body, err := c.doRequest(req)
	if err != nil {
		return resp, err
	}

	if err = json.Unmarshal(body, v); err != nil {
		return resp, fmt.Errorf("error decoding %T json, err: %w body: %s", v, err, string(body))
	}
	return resp, nil
}

// doRequest sends the given request, it injects X-Scope-OrgID and handles bad status codes.
func (c *Client) doRequest(req *http.Request) (*http.Response, []byte, error) {
	if len(c.OrgID) > 0 {
		req.Header.Set(orgIDHeader, c.OrgID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("error querying btm %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return resp, nil, ErrNotFound
	}
	if resp.StatusCode >= 400 && resp.StatusCode <= 599 {
		body, _ := io.ReadAll(resp.Body)
		return resp, body, fmt.Errorf("%s request to %s failed with response: %d body: %s", req.Method, req.URL.String(), resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading response body: %w", err)
	}

	return resp, body, nil
}

func (c *Client) buildURL(path, query string) string {
	joinURL, _ := url.Parse(c.BaseURL + path)
	joinURL.RawQuery = query
	return joinURL.String()
}

// withVar fills the single {var} of a route template.
func withVar(path, name, value string) string {
	return strings.Replace(path, "{"+name+"}", url.PathEscape(value), 1)
}

func (c *Client) CompletionCount(criteria model.CompletionTimeCriteria) (int64, error) {
	var n int64
	_, err := c.getFor(c.buildURL(api.PathCompletionCount, api.BuildCompletionTimeCriteriaQuery(criteria)), &n)
	return n, err
}

func (c *Client) CompletionFaultCount(criteria model.CompletionTimeCriteria) (int64, error) {
	var n int64
	_, err := c.getFor(c.buildURL(api.PathCompletionFaultCount, api.BuildCompletionTimeCriteriaQuery(criteria)), &n)
	return n, err
}

func (c *Client) CompletionPercentiles(criteria model.CompletionTimeCriteria, points []float64) (analytics.Percentiles, error) {
	var p analytics.Percentiles
	query := api.BuildPercentilesQuery(api.BuildCompletionTimeCriteriaQuery(criteria), points)
	_, err := c.getFor(c.buildURL(api.PathCompletionPercentiles, query), &p)
	return p, err
}

func (c *Client) CompletionStatistics(criteria model.CompletionTimeCriteria, interval time.Duration) ([]analytics.CompletionTimeseriesStatistics, error) {
	var stats []analytics.CompletionTimeseriesStatistics
	query := api.BuildIntervalQuery(api.BuildCompletionTimeCriteriaQuery(criteria), interval)
	_, err := c.getFor(c.buildURL(api.PathCompletionStatistics, query), &stats)
	return stats, err
}

func (c *Client) CompletionFaults(criteria model.CompletionTimeCriteria) ([]analytics.Cardinality, error) {
	var card []analytics.Cardinality
	_, err := c.getFor(c.buildURL(api.PathCompletionFaults, api.BuildCompletionTimeCriteriaQuery(criteria)), &card)
	return card, err
}

func (c *Client) CompletionProperty(criteria model.CompletionTimeCriteria, property string) ([]analytics.Cardinality, error) {
	var card []analytics.Cardinality
	path := withVar(api.PathCompletionProperty, api.MuxVarProperty, property)
	_, err := c.getFor(c.buildURL(path, api.BuildCompletionTimeCriteriaQuery(criteria)), &card)
	return card, err
}

func (c *Client) CompletionSummary(criteria model.CompletionTimeCriteria) (analytics.CompletionSummary, error) {
	var s analytics.CompletionSummary
	_, err := c.getFor(c.buildURL(api.PathCompletionSummary, api.BuildCompletionTimeCriteriaQuery(criteria)), &s)
	return s, err
}

func (c *Client) NodeStatistics(criteria model.NodeCriteria, interval time.Duration) ([]analytics.NodeTimeseriesStatistics, error) {
	var stats []analytics.NodeTimeseriesStatistics
	query := api.BuildIntervalQuery(api.BuildNodeCriteriaQuery(criteria), interval)
	_, err := c.getFor(c.buildURL(api.PathNodeStatistics, query), &stats)
	return stats, err
}

func (c *Client) NodeSummary(criteria model.NodeCriteria) ([]analytics.NodeSummaryStatistics, error) {
	var stats []analytics.NodeSummaryStatistics
	_, err := c.getFor(c.buildURL(api.PathNodeSummary, api.BuildNodeCriteriaQuery(criteria)), &stats)
	return stats, err
}

func (c *Client) HostNames(criteria model.CompletionTimeCriteria) ([]string, error) {
	var hosts []string
	_, err := c.getFor(c.buildURL(api.PathHostNames, api.BuildCompletionTimeCriteriaQuery(criteria)), &hosts)
	return hosts, err
}

func (c *Client) UnboundURIs(start, end int64, compress bool) ([]uripattern.URIInfo, error) {
	var uris []uripattern.URIInfo
	_, err := c.getFor(c.buildURL(api.PathUnboundURIs, api.BuildTimeRangeQuery(start, end, compress)), &uris)
	return uris, err
}

func (c *Client) BoundURIs(name string, start, end int64) ([]string, error) {
	var uris []string
	path := withVar(api.PathBoundURIs, api.MuxVarName, name)
	_, err := c.getFor(c.buildURL(path, api.BuildTimeRangeQuery(start, end, false)), &uris)
	return uris, err
}

func (c *Client) PropertyInfo(name string, start, end int64) ([]analytics.PropertyInfo, error) {
	var props []analytics.PropertyInfo
	path := withVar(api.PathPropertyInfo, api.MuxVarName, name)
	_, err := c.getFor(c.buildURL(path, api.BuildTimeRangeQuery(start, end, false)), &props)
	return props, err
}

func (c *Client) ConfigIssues() ([]model.Issue, error) {
	var issues []model.Issue
	_, err := c.getFor(c.BaseURL+api.PathConfigIssues, &issues)
	return issues, err
}

func (c *Client) ConfigTransactions() ([]string, error) {
	var names []string
	_, err := c.getFor(c.BaseURL+api.PathConfigNames, &names)
	return names, err
}

// PushSpans posts span events for the client's tenant.
func (c *Client) PushSpans(events []*model.SpanEvent) error {
	body, err := json.Marshal(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, c.BaseURL+api.PathSpans, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(api.HeaderContentType, api.HeaderAcceptJSON)

	_, _, err = c.doRequest(req)
	return err
}
