package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrDatasetNotFound = errors.New("dataset not found")
	ErrConflict        = errors.New("dataset has dependents")
	ErrNotImplemented  = errors.New("operation not available with the configured ABI")
	ErrForbidden       = errors.New("operation not allowed by the server")
	ErrGone            = errors.New("dataset was released or renamed")
	ErrSkipped         = errors.New("operation skipped by the server")
)

// Client is the struct used to send requests to a zfs http server
type Client struct {
	server  string
	headers map[string]string
	logger  *slog.Logger
	client  *http.Client
}

// NewClient creates a new client for a zfs http server
func NewClient(server string, logger *slog.Logger) *Client {
	return &Client{
		server:  server,
		headers: make(map[string]string, 8),
		logger:  logger,
		client:  http.DefaultClient,
	}
}

// SetClient configures a custom http client for doing requests
func (c *Client) SetClient(client *http.Client) {
	c.client = client
}

// SetHeader configures a header to be sent with all requests
func (c *Client) SetHeader(name, value string) {
	c.headers[name] = value
}

// Server returns the server
func (c *Client) Server() string {
	return c.server
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := fmt.Sprintf("%s/%s", c.server, strings.TrimPrefix(path, "/"))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for hdr := range c.headers {
		req.Header.Set(hdr, c.headers[hdr])
	}
	return req, nil
}

func statusError(status int) error {
	switch status {
	case http.StatusNotFound:
		return ErrDatasetNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotImplemented:
		return ErrNotImplemented
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusGone:
		return ErrGone
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

// do runs the request and decodes a JSON response into result when it is not nil
func (c *Client) do(req *http.Request, expected int, result interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error requesting %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		if resp.StatusCode == http.StatusNoContent && expected == http.StatusCreated {
			return ErrSkipped
		}
		c.logger.Debug("zfs.http.Client.do: Unexpected status",
			"method", req.Method,
			"path", req.URL.Path,
			"status", resp.StatusCode,
			"requestID", resp.Header.Get(HeaderRequestID),
		)
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, statusError(resp.StatusCode))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func boolQuery(params map[string]bool) url.Values {
	q := url.Values{}
	for param, val := range params {
		if val {
			q.Set(param, "true")
		}
	}
	return q
}

func (c *Client) list(ctx context.Context, kind, dataset string) ([]DatasetInfo, error) {
	req, err := c.request(ctx, http.MethodGet, kind+"/"+dataset, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	var list []DatasetInfo
	err = c.do(req, http.StatusOK, &list)
	return list, err
}

// Children lists the snapshots and direct child datasets of a remote dataset
func (c *Client) Children(ctx context.Context, dataset string) ([]DatasetInfo, error) {
	return c.list(ctx, "children", dataset)
}

// Descendants lists all datasets below a remote dataset
func (c *Client) Descendants(ctx context.Context, dataset string) ([]DatasetInfo, error) {
	return c.list(ctx, "descendants", dataset)
}

// Snapshots lists the snapshots of a remote dataset, oldest first
func (c *Client) Snapshots(ctx context.Context, dataset string) ([]DatasetInfo, error) {
	return c.list(ctx, "snapshots", dataset)
}

// Properties requests properties of a remote dataset. Without keys all user properties are returned.
func (c *Client) Properties(ctx context.Context, dataset string, keys ...string) (map[string]string, error) {
	q := url.Values{}
	if len(keys) > 0 {
		q.Set(GETParamProperties, strings.Join(keys, ","))
	}
	req, err := c.request(ctx, http.MethodGet, "properties/"+dataset, q, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	props := map[string]string{}
	err = c.do(req, http.StatusOK, &props)
	return props, err
}

// SetProperties sets and unsets properties of a remote dataset and returns their new values
func (c *Client) SetProperties(ctx context.Context, dataset string, props SetProperties) (map[string]string, error) {
	data, err := json.Marshal(&props)
	if err != nil {
		return nil, err
	}
	req, err := c.request(ctx, http.MethodPatch, "properties/"+dataset, nil, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	result := map[string]string{}
	err = c.do(req, http.StatusOK, &result)
	return result, err
}

// MakeSnapshot creates a snapshot of a remote dataset. ErrSkipped is returned when the server skipped it.
func (c *Client) MakeSnapshot(ctx context.Context, dataset, snapshot string, recursive bool) (DatasetInfo, error) {
	req, err := c.request(ctx, http.MethodPost, fmt.Sprintf("snapshots/%s@%s", dataset, snapshot),
		boolQuery(map[string]bool{GETParamRecursive: recursive}), nil,
	)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("error creating request: %w", err)
	}
	var info DatasetInfo
	err = c.do(req, http.StatusCreated, &info)
	return info, err
}

// DestroySnapshot destroys the named snapshot of a remote dataset, recursive includes its descendants
func (c *Client) DestroySnapshot(ctx context.Context, dataset, snapshot string, recursive, deferDestroy bool) error {
	req, err := c.request(ctx, http.MethodDelete, fmt.Sprintf("snapshots/%s@%s", dataset, snapshot),
		boolQuery(map[string]bool{GETParamRecursive: recursive, GETParamDefer: deferDestroy}), nil,
	)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	return c.do(req, http.StatusNoContent, nil)
}

// Destroy destroys a remote dataset
func (c *Client) Destroy(ctx context.Context, dataset string, recursive, deferDestroy bool) error {
	req, err := c.request(ctx, http.MethodDelete, "datasets/"+dataset,
		boolQuery(map[string]bool{GETParamRecursive: recursive, GETParamDefer: deferDestroy}), nil,
	)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	return c.do(req, http.StatusNoContent, nil)
}

// Rename renames a remote dataset, both names are relative to the parent dataset of the server
func (c *Client) Rename(ctx context.Context, dataset, target string, recursive bool) (DatasetInfo, error) {
	q := boolQuery(map[string]bool{GETParamRecursive: recursive})
	q.Set(GETParamTarget, target)
	req, err := c.request(ctx, http.MethodPost, "rename/"+dataset, q, nil)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("error creating request: %w", err)
	}
	var info DatasetInfo
	err = c.do(req, http.StatusOK, &info)
	return info, err
}

// Rollback rolls a remote dataset back to the snapshot and returns the filesystem
func (c *Client) Rollback(ctx context.Context, dataset, snapshot string, recursive, force bool) (DatasetInfo, error) {
	req, err := c.request(ctx, http.MethodPost, fmt.Sprintf("rollback/%s@%s", dataset, snapshot),
		boolQuery(map[string]bool{GETParamRecursive: recursive, GETParamForce: force}), nil,
	)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("error creating request: %w", err)
	}
	var info DatasetInfo
	err = c.do(req, http.StatusOK, &info)
	return info, err
}

// Clone clones a remote snapshot to target
func (c *Client) Clone(ctx context.Context, dataset, snapshot, target string) (DatasetInfo, error) {
	q := url.Values{}
	q.Set(GETParamTarget, target)
	req, err := c.request(ctx, http.MethodPost, fmt.Sprintf("clone/%s@%s", dataset, snapshot), q, nil)
	if err != nil {
		return DatasetInfo{}, fmt.Errorf("error creating request: %w", err)
	}
	var info DatasetInfo
	err = c.do(req, http.StatusCreated, &info)
	return info, err
}

// StreamOptions customize a snapshot stream request
type StreamOptions struct {
	// BytesPerSecond asks for a lower speed, only honoured when the server allows it
	BytesPerSecond int64
	// Raw asks for a raw stream, the server may force raw streams
	Raw bool
	// CompressionLevel is a zstd level name, like fastest or better. Empty disables compression.
	CompressionLevel string
}

// Stream copies the send stream of a remote snapshot to output and returns the number of bytes copied
func (c *Client) Stream(ctx context.Context, dataset, snapshot string, output io.Writer, options StreamOptions) (int64, error) {
	q := boolQuery(map[string]bool{GETParamRaw: options.Raw})
	if options.BytesPerSecond > 0 {
		q.Set(GETParamBytesPerSecond, strconv.FormatInt(options.BytesPerSecond, 10))
	}
	if options.CompressionLevel != "" {
		q.Set(GETParamCompressionLevel, options.CompressionLevel)
	}

	req, err := c.request(ctx, http.MethodGet, fmt.Sprintf("stream/%s@%s", dataset, snapshot), q, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error requesting stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("stream %s@%s: %w", dataset, snapshot, statusError(resp.StatusCode))
	}
	return io.Copy(output, resp.Body)
}
