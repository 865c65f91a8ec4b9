// Package contentstore talks to a content-addressed storage backend over
// an IPFS-style HTTP API: upload a file and get back a content id, then
// later fetch the same bytes back by that id.
package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
)

// DefaultBaseURL is the conventional local IPFS daemon API endpoint.
const DefaultBaseURL = "http://127.0.0.1:5001/api/v0"

var (
	// ErrRemoteFailure is returned when the store responds with a non-2xx
	// status.
	ErrRemoteFailure = errors.New("contentstore: remote failure")
	// ErrTransportFailure is returned when the request could not be sent
	// or the response could not be read at all (network/IO error).
	ErrTransportFailure = errors.New("contentstore: transport failure")
	// ErrProtocolFailure is returned when the response body does not
	// match the expected shape (e.g. missing Hash field).
	ErrProtocolFailure = errors.New("contentstore: protocol failure")
)

// Client is an HTTP client bound to a single content-addressed store.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New returns a Client against baseURL. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// addResponse is the subset of the store's /add JSON response this client
// cares about.
type addResponse struct {
	Hash string `json:"Hash"`
}

// Put streams the file at path to the store's /add endpoint and returns
// the content id it is addressed by.
func (c *Client) Put(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("contentstore: opening %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", "encrypted_file")
		if err != nil {
			pw.CloseWithError(fmt.Errorf("contentstore: creating form part: %w", err))
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(fmt.Errorf("contentstore: streaming file body: %w", err))
			return
		}
		if err := mw.Close(); err != nil {
			pw.CloseWithError(fmt.Errorf("contentstore: closing multipart writer: %w", err))
			return
		}
		pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/add", pr)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: store returned status %d", ErrRemoteFailure, resp.StatusCode)
	}

	var parsed addResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("%w: decoding /add response: %v", ErrProtocolFailure, err)
	}
	if parsed.Hash == "" {
		return "", fmt.Errorf("%w: /add response had no Hash field", ErrProtocolFailure)
	}
	return parsed.Hash, nil
}

// Get streams the content identified by contentID from the store's /cat
// endpoint to the file at path, creating or truncating it.
func (c *Client) Get(ctx context.Context, contentID, path string) error {
	endpoint := c.baseURL + "/cat?arg=" + url.QueryEscape(contentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrTransportFailure, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: store returned status %d", ErrRemoteFailure, resp.StatusCode)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("contentstore: creating %s: %w", path, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("%w: streaming response body: %v", ErrTransportFailure, err)
	}
	return nil
}

// Version checks reachability of the store by calling its /version
// endpoint; core.TestStore (the "store test" command) uses it as a health
// check. It returns the endpoint's raw response body, the store's
// self-reported version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/version", nil)
	if err != nil {
		return "", fmt.Errorf("%w: building request: %v", ErrTransportFailure, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response body: %v", ErrTransportFailure, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: store returned status %d", ErrRemoteFailure, resp.StatusCode)
	}
	return string(body), nil
}
