// Package api is a thin REST client for the call service: login for a
// session token and room create/join before the socket is opened.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

// ErrNotAuthenticated is returned by calls that need a token before
// Login has succeeded.
var ErrNotAuthenticated = errors.New("api: not authenticated")

// Client talks to the call service REST API.
type Client struct {
	log     *zap.Logger
	baseURL string
	http    *http.Client

	token string
}

// NewClient builds a client for the given base URL, e.g.
// "https://call.example.com/api/v1".
func NewClient(baseURL string) *Client {
	return &Client{
		log:     zap.L().Named("api"),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"accessToken"`
}

type roomRequest struct {
	RoomCode string `json:"roomCode"`
}

type roomResponse struct {
	RoomCode string `json:"roomCode"`
}

type apiError struct {
	Message string `json:"message"`
}

// Login exchanges credentials for an access token and stores it for
// subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) error {
	var resp loginResponse
	err := c.post(ctx, "/auth/login", loginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return err
	}
	if resp.AccessToken == "" {
		return errors.New("api: login response missing access token")
	}
	c.token = resp.AccessToken
	c.log.Info("logged in", zap.String("email", email))
	return nil
}

// Token returns the access token obtained by Login, or "".
func (c *Client) Token() string { return c.token }

// UserID extracts the userId claim from the stored token. The token is
// not verified here; the server did that when it issued it.
func (c *Client) UserID() (string, error) {
	if c.token == "" {
		return "", ErrNotAuthenticated
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.token, claims); err != nil {
		return "", fmt.Errorf("api: parse token: %w", err)
	}
	id, ok := claims["userId"].(string)
	if !ok || id == "" {
		return "", errors.New("api: token has no userId claim")
	}
	return id, nil
}

// CreateRoom asks the server for a fresh room and returns its code.
func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	if c.token == "" {
		return "", ErrNotAuthenticated
	}
	var resp roomResponse
	if err := c.post(ctx, "/rooms", struct{}{}, &resp); err != nil {
		return "", err
	}
	return resp.RoomCode, nil
}

// JoinRoom registers this user as a member of the room.
func (c *Client) JoinRoom(ctx context.Context, roomCode string) error {
	if c.token == "" {
		return ErrNotAuthenticated
	}
	return c.post(ctx, "/rooms/join", roomRequest{RoomCode: roomCode}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("api: marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("api: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s: %w", path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("api: read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e apiError
		if json.Unmarshal(payload, &e) == nil && e.Message != "" {
			return fmt.Errorf("api: %s: %s (status %d)", path, e.Message, resp.StatusCode)
		}
		return fmt.Errorf("api: %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}
