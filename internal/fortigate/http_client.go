package fortigate

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	Host      string
	Token     string
	VerifyTLS bool
	Timeout   time.Duration
}

// HTTPClient talks to the FortiGate REST API v2.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !cfg.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // appliances ship self-signed certs
	}
	return &HTTPClient{
		baseURL:    normalizeBaseURL(cfg.Host),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}
}

type resultsEnvelope[T any] struct {
	Results []T `json:"results"`
}

type groupRecord struct {
	Name   string         `json:"name"`
	Member []memberRecord `json:"member"`
}

type memberRecord struct {
	Name string `json:"name"`
}

type createAddressRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Subnet  string `json:"subnet"`
	Comment string `json:"comment"`
}

type updateGroupRequest struct {
	Member []memberRecord `json:"member"`
}

func (c *HTTPClient) TestConnection(ctx context.Context) (Mode, error) {
	status, _, err := c.do(ctx, http.MethodGet, "/monitor/system/status", nil)
	if err != nil {
		return ModeUnknown, err
	}
	if status != http.StatusOK {
		return ModeUnknown, fmt.Errorf("%w: system status returned %d", ErrConnectivity, status)
	}

	addrStatus, _, err := c.do(ctx, http.MethodGet, "/cmdb/firewall/address", nil)
	if err != nil {
		return ModeUnknown, err
	}
	groupStatus, _, err := c.do(ctx, http.MethodGet, "/cmdb/firewall/addrgrp", nil)
	if err != nil {
		return ModeUnknown, err
	}

	switch {
	case addrStatus == http.StatusOK && groupStatus == http.StatusOK:
		return ModeFull, nil
	case groupStatus == http.StatusOK:
		return ModeGroupOnly, nil
	default:
		return ModeUnknown, fmt.Errorf("%w: cannot access address objects or address groups", ErrPermission)
	}
}

func (c *HTTPClient) ListAddresses(ctx context.Context) ([]Address, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/cmdb/firewall/address", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: "list addresses", Resource: "firewall/address", StatusCode: status, Body: string(body)}
	}
	var envelope resultsEnvelope[Address]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode addresses: %w", err)
	}
	return envelope.Results, nil
}

func (c *HTTPClient) ListGroupMembers(ctx context.Context, group string) ([]string, error) {
	members, err := c.groupMembers(ctx, group)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(members))
	for _, member := range members {
		names = append(names, member.Name)
	}
	return names, nil
}

func (c *HTTPClient) CreateAddress(ctx context.Context, name, ip string) error {
	payload := createAddressRequest{
		Name:    name,
		Type:    "ipmask",
		Subnet:  ip + "/32",
		Comment: "Auto-created proxy address for " + ip,
	}
	status, body, err := c.do(ctx, http.MethodPost, "/cmdb/firewall/address", payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return &StatusError{Op: "create address", Resource: name, StatusCode: status, Body: string(body)}
	}
	return nil
}

func (c *HTTPClient) DeleteAddress(ctx context.Context, name string) error {
	status, body, err := c.do(ctx, http.MethodDelete, "/cmdb/firewall/address/"+url.PathEscape(name), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &StatusError{Op: "delete address", Resource: name, StatusCode: status, Body: string(body)}
	}
	return nil
}

func (c *HTTPClient) AddToGroup(ctx context.Context, group, name string) error {
	members, err := c.groupMembers(ctx, group)
	if err != nil {
		return err
	}
	for _, member := range members {
		if member.Name == name {
			return nil
		}
	}
	return c.putMembers(ctx, "add to group", group, append(members, memberRecord{Name: name}))
}

func (c *HTTPClient) RemoveFromGroup(ctx context.Context, group, name string) error {
	members, err := c.groupMembers(ctx, group)
	if err != nil {
		return err
	}
	kept := make([]memberRecord, 0, len(members))
	for _, member := range members {
		if member.Name != name {
			kept = append(kept, member)
		}
	}
	return c.putMembers(ctx, "remove from group", group, kept)
}

func (c *HTTPClient) groupMembers(ctx context.Context, group string) ([]memberRecord, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/cmdb/firewall/addrgrp/"+url.PathEscape(group), nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: "get group", Resource: group, StatusCode: status, Body: string(body)}
	}
	var envelope resultsEnvelope[groupRecord]
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode group %s: %w", group, err)
	}
	if len(envelope.Results) == 0 {
		return []memberRecord{}, nil
	}
	return envelope.Results[0].Member, nil
}

func (c *HTTPClient) putMembers(ctx context.Context, op, group string, members []memberRecord) error {
	status, body, err := c.do(ctx, http.MethodPut, "/cmdb/firewall/addrgrp/"+url.PathEscape(group), updateGroupRequest{Member: members})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{Op: op, Resource: group, StatusCode: status, Body: string(body)}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", ErrConnectivity, method, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 5<<20))
	return resp.StatusCode, body, nil
}

func normalizeBaseURL(host string) string {
	trimmed := strings.TrimSuffix(strings.TrimSpace(host), "/")
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	return trimmed + "/api/v2"
}
