// Package vdm notifies the EWoC visualisation and data manager of new
// products by posting their STAC items.
package vdm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"ewocclassif/internal/config"
	"ewocclassif/internal/logging"
)

// ProductPath is the ingestion endpoint below the VDM host.
const ProductPath = "/rest/project/worldCereal/product"

var (
	ErrNoHost     = errors.New("VDM host not configured (VDM_HOST)")
	ErrNoUserInfo = errors.New("VDM user info not configured (VDM_USERINFO)")
)

// Client posts STAC items to the VDM.
type Client struct {
	host     string
	userInfo string
	http     *http.Client
}

// NewClient builds a client. connectTimeout bounds the TCP dial and timeout
// the whole request.
func NewClient(host, userInfo string, connectTimeout, timeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
	}
	return &Client{
		host:     host,
		userInfo: userInfo,
		http:     &http.Client{Transport: transport, Timeout: timeout},
	}
}

// NewClientFromConfig builds a client from the vdm section.
func NewClientFromConfig(cfg *config.Config) *Client {
	return NewClient(cfg.VDM.Host, cfg.VDM.UserInfo, cfg.GetVDMConnectTimeout(), cfg.GetVDMTimeout())
}

// URL returns the ingestion endpoint.
func (c *Client) URL() string {
	return "http://" + c.host + ProductPath
}

// Send posts the STAC file and returns an error unless the VDM answers 200.
func (c *Client) Send(ctx context.Context, stacFile string) error {
	if c.host == "" {
		return ErrNoHost
	}
	if c.userInfo == "" {
		return ErrNoUserInfo
	}
	body, err := os.ReadFile(stacFile)
	if err != nil {
		return fmt.Errorf("failed to read STAC file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-userinfo", c.userInfo)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("VDM answered %s", resp.Status)
	}
	return nil
}

// Notify sends the STAC file and reports success. Failures are logged.
func (c *Client) Notify(ctx context.Context, stacFile string) bool {
	log := logging.Get(logging.CategoryVDM)
	if err := c.Send(ctx, stacFile); err != nil {
		log.Error("Failed to ingest %s in the VDM: %v", stacFile, err)
		return false
	}
	log.Info("Ingested %s in the VDM", stacFile)
	return true
}
