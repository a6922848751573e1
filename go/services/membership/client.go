// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package membership queries the cluster-state REST API every database unit
// serves (GET /cluster, GET /health, POST /reload, POST /restart).
// Readiness queries poll with a fixed interval and report false on timeout.
package membership

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/multigres/pgoperator/go/common/mterrors"
	"github.com/multigres/pgoperator/go/tools/retry"
)

// Member roles reported by /cluster.
const (
	RoleLeader        = "leader"
	RoleStandbyLeader = "standby_leader"
	RoleReplica       = "replica"
	RoleSyncStandby   = "sync_standby"
)

// Member states reported by /cluster and /health.
const (
	StateRunning   = "running"
	StateStreaming = "streaming"
	StateStarting  = "starting"
	StateStopped   = "stopped"
)

// Member is one entry of GET /cluster.
type Member struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	State  string `json:"state"`
	APIURL string `json:"api_url"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// IsPrimary reports whether the member leads its cluster, as primary or as
// the leader of a standby cluster.
func (m Member) IsPrimary() bool {
	return m.Role == RoleLeader || m.Role == RoleStandbyLeader
}

// Ready reports whether the member's database is serving.
func (m Member) Ready() bool {
	return m.State == StateRunning || m.State == StateStreaming
}

type clusterResponse struct {
	Members []Member `json:"members"`
}

type healthResponse struct {
	State string `json:"state"`
	Role  string `json:"role"`
}

// Endpoints returns the API base URLs of the known members. It is called at
// each query so joining and departing units are picked up.
type Endpoints func(ctx context.Context) ([]string, error)

// StaticEndpoints returns a fixed endpoint list.
func StaticEndpoints(urls ...string) Endpoints {
	return func(context.Context) ([]string, error) { return urls, nil }
}

// Config configures a Client.
type Config struct {
	// Local is the API base URL of the local unit.
	Local string
	// Members lists every member's API base URL, the local one included.
	Members Endpoints
	// PollInterval is the fixed delay between readiness probes.
	PollInterval time.Duration
	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration
	// Transport carries the requests. Nil means http.DefaultTransport.
	Transport http.RoundTripper
	User      string
	Password  string
}

// Client queries the membership API.
type Client struct {
	logger *slog.Logger
	cfg    Config
	http   *http.Client
}

func NewClient(logger *slog.Logger, cfg Config) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Client{
		logger: logger.With("component", "membership"),
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout, Transport: cfg.Transport},
	}
}

func (c *Client) do(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: reading body: %w", method, url, err)
	}
	// /health answers 503 with a body while the database is not running.
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s %s: decoding body: %w", method, url, err)
		}
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	}
	return nil
}

// StatusError is a non-2xx answer from a reachable member.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

func join(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}

// Cluster returns the member list as seen by the member at endpoint.
func (c *Client) Cluster(ctx context.Context, endpoint string) ([]Member, error) {
	var resp clusterResponse
	if err := c.do(ctx, http.MethodGet, join(endpoint, "/cluster"), &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// GetPrimary asks each member in turn for the cluster view and returns the
// name of the member reporting the leader role. An unreachable member moves
// the query on to the next one. It fails with NoPrimaryFound once every
// member was asked.
func (c *Client) GetPrimary(ctx context.Context) (string, error) {
	endpoints, err := c.cfg.Members(ctx)
	if err != nil {
		return "", err
	}
	for _, ep := range endpoints {
		members, err := c.Cluster(ctx, ep)
		if err != nil {
			c.logger.DebugContext(ctx, "membership endpoint unavailable", "endpoint", ep, "error", err)
			continue
		}
		if i := slices.IndexFunc(members, Member.IsPrimary); i >= 0 {
			return members[i].Name, nil
		}
	}
	return "", mterrors.NoPrimaryFound(len(endpoints))
}

// AllMembersReady reports whether every member the cluster view lists is
// serving, polling until timeout.
func (c *Client) AllMembersReady(ctx context.Context, timeout time.Duration) bool {
	return retry.Poll(ctx, c.cfg.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		members, err := c.Cluster(ctx, c.cfg.Local)
		if err != nil {
			return false, err
		}
		if len(members) == 0 {
			return false, nil
		}
		for _, m := range members {
			if !m.Ready() {
				c.logger.DebugContext(ctx, "member not ready", "member", m.Name, "state", m.State)
				return false, nil
			}
		}
		return true, nil
	})
}

// MemberStarted reports whether the local database is serving, polling
// until timeout.
func (c *Client) MemberStarted(ctx context.Context, timeout time.Duration) bool {
	return c.healthy(ctx, c.cfg.Local, timeout)
}

// PrimaryEndpointReady reports whether the database behind endpoint is
// serving, polling until timeout.
func (c *Client) PrimaryEndpointReady(ctx context.Context, endpoint string, timeout time.Duration) bool {
	return c.healthy(ctx, endpoint, timeout)
}

func (c *Client) healthy(ctx context.Context, endpoint string, timeout time.Duration) bool {
	return retry.Poll(ctx, c.cfg.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		var h healthResponse
		err := c.do(ctx, http.MethodGet, join(endpoint, "/health"), &h)
		if h.State != "" && h.State != StateRunning {
			// Reachable but not running yet.
			c.logger.DebugContext(ctx, "member not running", "endpoint", endpoint, "state", h.State)
			return false, nil
		}
		if err != nil {
			c.logger.DebugContext(ctx, "health probe failed", "endpoint", endpoint, "error", err)
			return false, err
		}
		return h.State == StateRunning, nil
	})
}

// Reload asks the local member to reload its configuration.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, join(c.cfg.Local, "/reload"), nil)
}

// Restart asks the local member to restart its database.
func (c *Client) Restart(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, join(c.cfg.Local, "/restart"), nil)
}
