package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"hyperg/pkg/types"
)

// Error is a command failure reported by the daemon.
type Error struct {
	Status   int
	Message  string
	NotFound string
}

func (e *Error) Error() string {
	if e.NotFound != "" {
		return fmt.Sprintf("not found: %s", e.NotFound)
	}
	return e.Message
}

// Unwrap maps 404 answers to types.ErrNotFound.
func (e *Error) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return types.ErrNotFound
	}
	return nil
}

// Client sends commands to a daemon's control plane.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a client for the daemon at host:port.
func NewClient(host string, port int) *Client {
	return NewClientURL("http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/")
}

// NewClientURL creates a client posting to url.
func NewClientURL(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{},
	}
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("invalid response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Status: resp.StatusCode, Message: out.Error, NotFound: out.NotFound}
	}
	return &out, nil
}

// ID returns the daemon's node id.
func (c *Client) ID(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, IDRequest{})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Addresses returns the daemon's swarm addresses.
func (c *Client) Addresses(ctx context.Context) ([]string, error) {
	resp, err := c.do(ctx, AddressesRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Addresses, nil
}

// Upload shares files, a map of source paths to entry names.
func (c *Client) Upload(ctx context.Context, files map[string]string, timeout time.Duration) (string, error) {
	resp, err := c.do(ctx, UploadRequest{Files: files, Timeout: timeout.Milliseconds()})
	if err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// UploadExisting re-shares a stored archive.
func (c *Client) UploadExisting(ctx context.Context, hash string) (string, error) {
	resp, err := c.do(ctx, UploadRequest{Hash: hash})
	if err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// DownloadOptions are the optional download parameters.
type DownloadOptions struct {
	Peers   []types.Peer
	Size    uint64
	Timeout time.Duration
}

// Download fetches hash into dest and returns the written paths.
func (c *Client) Download(ctx context.Context, hash, dest string, opts DownloadOptions) ([]string, error) {
	req := DownloadRequest{
		Hash:    hash,
		Dest:    dest,
		Size:    opts.Size,
		Timeout: opts.Timeout.Milliseconds(),
	}
	for _, p := range opts.Peers {
		req.Peers = append(req.Peers, PeerAddressOf(p))
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Cancel stops sharing hash.
func (c *Client) Cancel(ctx context.Context, hash string) (string, error) {
	resp, err := c.do(ctx, CancelRequest{Hash: hash})
	if err != nil {
		return "", err
	}
	return resp.OK, nil
}
