// Package voice talks to the external Voice collaborator service over HTTP: the gateway tells it when a session
// joins or leaves a voice channel, but never proxies media itself. Every call goes through a net/http.Client with an
// explicit timeout, so the caller is never blocked indefinitely.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds every call to the collaborator so a slow or wedged voice node cannot stall the Hub's dispatch
// path, which calls Join/Leave synchronously from handleVoiceStateUpdate.
const requestTimeout = 3 * time.Second

// Client wraps net/http.Client to drive the Voice collaborator's join/leave contract.
type Client struct {
	baseURL    string
	sharedKey  string
	httpClient *http.Client
}

// NewClient creates a Voice collaborator client. baseURL is the collaborator's root (e.g. "http://voice:9000");
// sharedKey is sent as an internal auth header the collaborator is configured to require.
func NewClient(baseURL, sharedKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		sharedKey:  sharedKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// joinRequest is the body POSTed to the collaborator's join endpoint.
type joinRequest struct {
	UserID   string `json:"user_id"`
	SelfMute bool   `json:"self_mute"`
	SelfDeaf bool   `json:"self_deaf"`
}

// JoinResult carries the media-server credentials the collaborator hands back on a successful join. The gateway
// relays these to the joining user as a VOICE_SERVER_UPDATE dispatch; a nil result means the join succeeded but the
// collaborator had nothing new to hand back (e.g. the user was already connected to that channel's media node).
type JoinResult struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// Join notifies the collaborator that userID is joining channelID in guildID. Join does not itself check permissions;
// the Hub checks the Connect permission before calling it.
func (c *Client) Join(ctx context.Context, guildID, channelID, userID string, selfMute, selfDeaf bool) (*JoinResult, error) {
	body, err := json.Marshal(joinRequest{UserID: userID, SelfMute: selfMute, SelfDeaf: selfDeaf})
	if err != nil {
		return nil, fmt.Errorf("marshal join request: %w", err)
	}
	path := fmt.Sprintf("/api/voice/%s/%s/join", guildID, channelID)
	return c.postJoin(ctx, path, body)
}

// leaveRequest is the body POSTed to the collaborator's leave endpoint.
type leaveRequest struct {
	UserID string `json:"user_id"`
}

// Leave notifies the collaborator that userID has left their voice channel in guildID.
func (c *Client) Leave(ctx context.Context, guildID, channelID, userID string) error {
	body, err := json.Marshal(leaveRequest{UserID: userID})
	if err != nil {
		return fmt.Errorf("marshal leave request: %w", err)
	}
	path := fmt.Sprintf("/api/voice/%s/%s/leave", guildID, channelID)
	return c.post(ctx, path, body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

// postJoin is like post but also decodes a JoinResult from the response body, when the collaborator sent one. The
// timeout scope is held open until the body is fully read, not just until the headers arrive.
func (c *Client) postJoin(ctx context.Context, path string, body []byte) (*JoinResult, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read join response: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var result JoinResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode join response: %w", err)
	}
	return &result, nil
}

// do issues the request and returns the response with a non-2xx status turned into an error. The caller is
// responsible for closing the response body and for bounding ctx with a deadline.
func (c *Client) do(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build voice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.sharedKey != "" {
		req.Header.Set("X-Internal-Key", c.sharedKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("voice collaborator request: %w", err)
	}

	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("voice collaborator returned status %d", resp.StatusCode)
	}
	return resp, nil
}
