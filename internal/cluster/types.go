package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/exp/slices"
)

// DefaultTag is carried by every server in addition to its configured tags.
const DefaultTag = "default"

// ServerStatus is the liveness of a server as seen by the membership service.
type ServerStatus string

const (
	// StatusReachable means the server is connected and serving.
	StatusReachable ServerStatus = "reachable"
	// StatusUnreachable means the server is transiently disconnected.
	StatusUnreachable ServerStatus = "unreachable"
	// StatusPermanentlyRemoved means the server will never come back.
	StatusPermanentlyRemoved ServerStatus = "permanently_removed"
)

// Server is a member of the cluster.
type Server struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Addr   string       `json:"addr,omitempty"`
	Tags   []string     `json:"tags"`
	Status ServerStatus `json:"status"`
}

// HasTag reports whether the server carries tag. Every server carries DefaultTag.
func (s Server) HasTag(tag string) bool {
	return tag == DefaultTag || slices.Contains(s.Tags, tag)
}

// HasAnyTag reports whether the server carries at least one of tags.
func (s Server) HasAnyTag(tags []string) bool {
	return slices.ContainsFunc(tags, s.HasTag)
}

// Reachable reports whether the server is currently connected.
func (s Server) Reachable() bool {
	return s.Status == StatusReachable
}

func (s Server) clone() Server {
	s.Tags = slices.Clone(s.Tags)
	return s
}

// NodeInfo is what a server announces about itself when it joins.
type NodeInfo struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Addr string   `json:"addr,omitempty"`
	Tags []string `json:"tags,omitempty"`
}

type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
