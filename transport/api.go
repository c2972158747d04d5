package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/bitrise-io/go-chunkupload/failure"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type prepareUploadRequest struct {
	FileName    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeInBytes int64  `json:"size_in_bytes"`
}

type prepareUploadResponse struct {
	ID string `json:"id"`
}

type uploadTargetRequest struct {
	Index int `json:"index"`
}

type uploadTargetResponse struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

type acknowledgeRequest struct {
	Successful bool     `json:"successful"`
	Etags      []string `json:"etags"`
}

type acknowledgeResponse struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// APIClient is a Client backed by the upload API: the API issues part URLs
// and the parts are sent straight to them.
type APIClient struct {
	*HTTPTransfer

	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

// NewAPIClient ...
func NewAPIClient(client *retryablehttp.Client, transfer *HTTPTransfer, baseURL, accessToken string, logger log.Logger) *APIClient {
	return &APIClient{
		HTTPTransfer: transfer,
		httpClient:   client,
		baseURL:      baseURL,
		accessToken:  accessToken,
		logger:       logger,
	}
}

// Begin opens a new remote object and returns its id, the destination id of
// every chunk of the file.
func (c *APIClient) Begin(ctx context.Context, fileName string, size int64) (string, error) {
	apiURL := fmt.Sprintf("%s/multipart-upload", c.baseURL)

	body, err := json.Marshal(prepareUploadRequest{
		FileName:    fileName,
		ContentType: DefaultContentType,
		SizeInBytes: size,
	})
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return "", err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	var response prepareUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", err
	}
	if response.ID == "" {
		return "", fmt.Errorf("no upload id in response")
	}

	return response.ID, nil
}

// RequestUploadTarget asks the API for a one-time URL for part partNumber.
func (c *APIClient) RequestUploadTarget(ctx context.Context, destinationID string, partNumber int) (Target, error) {
	const op = "request upload target"

	apiURL := fmt.Sprintf("%s/multipart-upload/%s/parts", c.baseURL, url.PathEscape(destinationID))

	body, err := json.Marshal(uploadTargetRequest{Index: partNumber})
	if err != nil {
		return Target{}, failure.New(failure.TargetUnavailable, op, err)
	}

	resp, err := c.do(ctx, http.MethodPost, apiURL, body)
	if err != nil {
		return Target{}, failure.New(failure.TargetUnavailable, op, err)
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Target{}, failure.New(failure.TargetUnavailable, op, unwrapError(resp))
	}

	var response uploadTargetResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return Target{}, failure.New(failure.TargetUnavailable, op, err)
	}
	if response.URL == "" {
		return Target{}, failure.New(failure.TargetUnavailable, op, fmt.Errorf("no url in response for part %d", partNumber))
	}

	return Target{
		Method:  response.Method,
		URL:     response.URL,
		Headers: response.Headers,
	}, nil
}

// Complete closes the remote object.
func (c *APIClient) Complete(ctx context.Context, destinationID string, parts []Part) error {
	etags := make([]string, 0, len(parts))
	for _, p := range parts {
		etags = append(etags, p.ETag)
	}
	return c.acknowledge(ctx, destinationID, true, etags)
}

// Abort tells the API that the object will never be completed.
func (c *APIClient) Abort(ctx context.Context, destinationID string) error {
	return c.acknowledge(ctx, destinationID, false, nil)
}

func (c *APIClient) acknowledge(ctx context.Context, destinationID string, successful bool, etags []string) error {
	apiURL := fmt.Sprintf("%s/multipart-upload/%s/acknowledge", c.baseURL, url.PathEscape(destinationID))

	body, err := json.Marshal(acknowledgeRequest{
		Successful: successful,
		Etags:      etags,
	})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPatch, apiURL, body)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Acknowledge response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK {
		return unwrapError(resp)
	}

	var response acknowledgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return err
	}
	logResponseMessage(response, c.logger)

	return nil
}

func (c *APIClient) do(ctx context.Context, method, apiURL string, body []byte) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	return c.httpClient.Do(req)
}

func (c *APIClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("%s", err)
	}
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(errorResp))
}

func logResponseMessage(response acknowledgeResponse, logger log.Logger) {
	if response.Message == "" || response.Severity == "" {
		return
	}

	var loggerFn func(format string, v ...interface{})
	switch response.Severity {
	case "debug":
		loggerFn = logger.Debugf
	case "info":
		loggerFn = logger.Infof
	case "warning":
		loggerFn = logger.Warnf
	case "error":
		loggerFn = logger.Errorf
	default:
		loggerFn = logger.Printf
	}

	loggerFn("%s", response.Message)
}
