// Package serviceclient is the typed facade over the remote configuration
// service's JSON-RPC API (spec.md §4.1, component C1). It is grounded on
// the teacher's internal/mcp.Client: an inner connection guarded by a
// mutex, a Connect step performed once before any call, and one small
// wrapper method per RPC the daemon actually needs — never a generic
// passthrough.
package serviceclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/secret"
	"github.com/opsiorg/opsipxeconfd/internal/xerr"
)

// Config describes how to reach the remote service.
type Config struct {
	URL             string
	User            string
	Password        string
	CACertFile      string
	ConnectRetries  int
	ConnectRetryGap time.Duration
}

// Client wraps an HTTP+JSON-RPC connection to the configuration service.
// Safe for concurrent use by multiple goroutines.
type Client struct {
	cfg Config

	mu        sync.RWMutex
	http      *http.Client
	connected bool
}

// New creates an unconnected Client. Call Connect before issuing any RPC.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect dials the service, retrying transient failures for up to
// cfg.ConnectRetries attempts in all (3 if unset), spaced
// cfg.ConnectRetryGap apart (5s if unset) (spec.md
// §4.1: "retries on transient errors up to N=3 attempts with 5s
// spacing"). Authentication and certificate verification failures are
// fatal and are not retried.
func (c *Client) Connect(ctx context.Context) error {
	transport := &http.Transport{}
	if c.cfg.CACertFile != "" {
		pool := x509.NewCertPool()
		pem, err := os.ReadFile(c.cfg.CACertFile)
		if err != nil {
			return xerr.Fatal("service: read CA cert %q: %v", c.cfg.CACertFile, err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return xerr.Fatal("service: no certificates found in %q", c.cfg.CACertFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	hc := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	retries := c.cfg.ConnectRetries
	if retries <= 0 {
		retries = 3
	}
	gap := c.cfg.ConnectRetryGap
	if gap <= 0 {
		gap = 5 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		err := pingAuthenticated(ctx, hc, c.cfg)
		if err == nil {
			c.mu.Lock()
			c.http = hc
			c.connected = true
			c.mu.Unlock()
			return nil
		}
		if errors.Is(err, xerr.ErrFatal) {
			return err
		}
		lastErr = err
		secret.Logf("[Service] connect attempt %d/%d failed: %v", attempt, retries, err)
		if attempt < retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(gap):
			}
		}
	}
	return fmt.Errorf("service: connect: %w: %v", xerr.ErrTransient, lastErr)
}

// pingAuthenticated performs a minimal authenticated call to confirm the
// service is reachable and the credentials/certificate are valid.
func pingAuthenticated(ctx context.Context, hc *http.Client, cfg Config) error {
	var result bool
	err := call(ctx, hc, cfg, "accessControl_authenticated", nil, &result)
	if err != nil {
		return err
	}
	return nil
}

// Disconnect releases the underlying HTTP transport. Safe to call
// multiple times.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.http = nil
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) httpClient() (*http.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.http == nil {
		return nil, fmt.Errorf("service: %w: not connected", xerr.ErrFatal)
	}
	return c.http, nil
}

// LicensingInfo returns the set of licensed modules.
func (c *Client) LicensingInfo(ctx context.Context) (LicensingInfo, error) {
	hc, err := c.httpClient()
	if err != nil {
		return LicensingInfo{}, err
	}
	var modules []string
	if err := call(ctx, hc, c.cfg, "backend_getLicensingInfo", nil, &modules); err != nil {
		return LicensingInfo{}, err
	}
	info := LicensingInfo{AvailableModules: map[string]struct{}{}}
	for _, m := range modules {
		info.AvailableModules[m] = struct{}{}
	}
	return info, nil
}

// ClientIDsForDepot returns every client id mapped to depotID.
func (c *Client) ClientIDsForDepot(ctx context.Context, depotID string) ([]string, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var ids []string
	err = call(ctx, hc, c.cfg, "configState_getClientToDepotserver", []any{[]string{depotID}}, &ids)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// NetbootActions returns every ProductOnClient for clientIDs whose action
// request is one of actionRequests.
func (c *Client) NetbootActions(ctx context.Context, clientIDs []string, actionRequests []string) ([]ProductOnClient, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []productOnClientWire
	err = call(ctx, hc, c.cfg, "productOnClient_getObjects", []any{
		map[string]any{
			"clientId":      clientIDs,
			"actionRequest": actionRequests,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make([]ProductOnClient, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toProductOnClient())
	}
	return out, nil
}

// Host fetches a single host object. A nil result (no error) means the
// host does not exist.
func (c *Client) Host(ctx context.Context, id string) (*Host, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []hostWire
	err = call(ctx, hc, c.cfg, "host_getObjects", []any{map[string]any{"id": id}}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	h := raw[0].toHost()
	return &h, nil
}

// ProductOnDepot resolves productID on depotID. nil means absent.
func (c *Client) ProductOnDepot(ctx context.Context, productID, depotID string) (*ProductOnDepot, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []productOnDepotWire
	err = call(ctx, hc, c.cfg, "productOnDepot_getObjects", []any{
		map[string]any{"productId": productID, "depotId": depotID},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	pod := raw[0].toProductOnDepot()
	return &pod, nil
}

// Product resolves the exact product/version/package triple. nil means
// absent.
func (c *Client) Product(ctx context.Context, id, productVersion, packageVersion string) (*Product, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []productWire
	err = call(ctx, hc, c.cfg, "product_getObjects", []any{
		map[string]any{"id": id, "productVersion": productVersion, "packageVersion": packageVersion},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	p := raw[0].toProduct()
	return &p, nil
}

// ProductPropertyValues returns, for each requested property id, the
// comma-joined value list applicable to objectIDs.
func (c *Client) ProductPropertyValues(ctx context.Context, productIDs, objectIDs []string) (map[string]string, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []productPropertyStateWire
	err = call(ctx, hc, c.cfg, "productPropertyState_getObjects", []any{
		map[string]any{"productId": productIDs, "objectId": objectIDs},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for _, r := range raw {
		out[r.PropertyID] = strings.Join(r.Values, ",")
	}
	return out, nil
}

// ProductPropertyDefaultValues returns, for each property id defined on
// the given product, its comma-joined default value list. The original
// opsipxeconfd gets this for free by setting the
// addProductPropertyStateDefaults backend option before ever calling
// productPropertyState_getObjects; this client instead fetches the
// products' own property defaults directly and merges them with
// per-client overrides in the update pipeline, client overrides
// winning (spec.md §9 supplemented feature: product-property
// defaulting).
func (c *Client) ProductPropertyDefaultValues(ctx context.Context, productID string) (map[string]string, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []productPropertyWire
	err = call(ctx, hc, c.cfg, "productProperty_getObjects", []any{
		map[string]any{"productId": productID},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for _, r := range raw {
		out[r.PropertyID] = strings.Join(r.DefaultValues, ",")
	}
	return out, nil
}

// ConfigValues returns, for each objectID, a map of configID to
// comma-joined value list. Per spec.md §9 Open Question (a), results are
// keyed consistently by object_id.
func (c *Client) ConfigValues(ctx context.Context, configIDs, objectIDs []string) (map[string]map[string]string, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []configStateWire
	err = call(ctx, hc, c.cfg, "configState_getObjects", []any{
		map[string]any{"configId": configIDs, "objectId": objectIDs},
	}, &raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]string)
	for _, r := range raw {
		m, ok := out[r.ObjectID]
		if !ok {
			m = map[string]string{}
			out[r.ObjectID] = m
		}
		m[r.ConfigID] = strings.Join(r.Values, ",")
	}
	return out, nil
}

// ConfigDefaultValues returns the shipped default values for a single
// config object (as opposed to ConfigValues, which returns per-client
// overrides). Used by the one-time `setup` CLI command to seed the boot
// menu's root password hash.
func (c *Client) ConfigDefaultValues(ctx context.Context, configID string) ([]string, error) {
	hc, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	var raw []configWire
	err = call(ctx, hc, c.cfg, "config_getObjects", []any{
		[]any{}, map[string]any{"id": configID},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw[0].DefaultValues, nil
}

// UpdateProductOnClient publishes poc's new action_progress/action_request.
func (c *Client) UpdateProductOnClient(ctx context.Context, poc ProductOnClient) error {
	hc, err := c.httpClient()
	if err != nil {
		return err
	}
	return call(ctx, hc, c.cfg, "productOnClient_updateObjects", []any{[]any{fromProductOnClient(poc)}}, nil)
}

// rpcRequest/rpcResponse model the opsi JSON-RPC envelope.
type rpcRequest struct {
	ID     int    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
	Class   string `json:"class"`
}

func call(ctx context.Context, hc *http.Client, cfg Config, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("service: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("service: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.User != "" {
		req.SetBasicAuth(cfg.User, cfg.Password)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", xerr.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return xerr.Fatal("service: %s: authentication rejected (HTTP %d)", method, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: service: %s: HTTP %d", xerr.ErrTransient, method, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: service: %s: HTTP %d", xerr.ErrInvalidInput, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: service: %s: decode response: %v", xerr.ErrTransient, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%w: service: %s: %s", xerr.ErrFatal, method, rr.Error.Message)
	}
	if out == nil || len(rr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%w: service: %s: unmarshal result: %v", xerr.ErrTransient, method, err)
	}
	return nil
}
