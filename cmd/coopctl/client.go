package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is an error response from a primal-coop server.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// Client calls the XRPC API of one primal-coop instance.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// NewClient creates a client for base authenticated with token, which
// may be empty for public routes.
func NewClient(base, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// get decodes the JSON response of a GET into out.
func (c *Client) get(method string, params url.Values, out any) error {
	u := c.base + "/xrpc/" + method
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// post sends body as JSON and decodes the response into out.
func (c *Client) post(method string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/xrpc/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := w.Write(body)
		return err
	}
	return json.Unmarshal(body, out)
}

// Record is a record entry from coop.repo.listRecords.
type Record struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// ListRecords pages through every record of a collection.
func (c *Client) ListRecords(did, collection string, max int) ([]Record, error) {
	var all []Record
	cursor := ""
	for {
		params := url.Values{"repo": {did}, "collection": {collection}, "limit": {"100"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			Records []Record `json:"records"`
			Cursor  string   `json:"cursor"`
		}
		if err := c.get("coop.repo.listRecords", params, &page); err != nil {
			return nil, fmt.Errorf("listRecords %s/%s: %w", did, collection, err)
		}
		all = append(all, page.Records...)
		if max > 0 && len(all) >= max {
			return all[:max], nil
		}
		cursor = page.Cursor
		if cursor == "" || len(page.Records) == 0 {
			return all, nil
		}
	}
}

// PutRecord writes a record at repo/collection/rkey.
func (c *Client) PutRecord(did, collection, rkey string, value json.RawMessage) error {
	return c.post("coop.repo.putRecord", map[string]any{
		"repo":       did,
		"collection": collection,
		"rkey":       rkey,
		"record":     value,
	}, nil)
}
