// Package sync is the client half of the sync protocol: the HTTP API
// client, the background engine with its triggers, and conflict
// resolution.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/akarpov/markvault/internal/models"
)

var (
	// ErrUnauthorized means the bearer token is missing, expired or
	// rejected. The caller should re-authenticate.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoVault is returned by FetchEnvelope when the account has no
	// vault configured.
	ErrNoVault = errors.New("no vault configured")
	// ErrVaultExists is returned by PutEnvelope when the account already
	// has a vault.
	ErrVaultExists = errors.New("vault already exists")
)

// NetworkError wraps transport-level failures so the engine can tell
// "server unreachable" apart from protocol errors and keep the retry
// loop quiet.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// API is the typed HTTP client for the sync server.
type API struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPI builds an API client against baseURL (no trailing slash).
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken installs the bearer token used on authenticated calls.
func (a *API) SetToken(token string) { a.token = token }

// Register creates an account and returns a bearer token.
func (a *API) Register(ctx context.Context, login, password string) (string, error) {
	return a.authenticate(ctx, "/api/register", login, password)
}

// Login exchanges credentials for a bearer token.
func (a *API) Login(ctx context.Context, login, password string) (string, error) {
	return a.authenticate(ctx, "/api/login", login, password)
}

func (a *API) authenticate(ctx context.Context, path, login, password string) (string, error) {
	body := map[string]string{"login": login, "password": password}
	resp, err := a.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", ErrUnauthorized
	case http.StatusConflict:
		return "", errors.New("login already taken")
	default:
		return "", unexpectedStatus(resp)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}
	a.token = out.Token
	return out.Token, nil
}

// Push sends one batch of operations. A 409 is NOT an error here: the
// response still carries the accepted results alongside the conflicts,
// and the resolver deals with the latter.
func (a *API) Push(ctx context.Context, ops []models.PushOperation) (*models.PushResponse, error) {
	resp, err := a.do(ctx, http.MethodPost, "/api/sync/push", models.PushRequest{Operations: ops})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusConflict {
		return nil, a.statusError(resp)
	}
	var out models.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	return &out, nil
}

// Pull fetches one cursor page.
func (a *API) Pull(ctx context.Context, cursor string, recordType models.RecordType, limit int) (*models.PullResponse, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if recordType != "" {
		q.Set("recordType", string(recordType))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sync/pull"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}
	var out models.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode pull response: %w", err)
	}
	return &out, nil
}

// Checksum fetches the server's record-set summary.
func (a *API) Checksum(ctx context.Context) (*models.ChecksumMeta, error) {
	resp, err := a.do(ctx, http.MethodGet, "/api/sync/checksum", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}
	var out models.ChecksumMeta
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode checksum: %w", err)
	}
	return &out, nil
}

// FetchEnvelope downloads the vault key envelope.
func (a *API) FetchEnvelope(ctx context.Context) (*models.VaultKeyEnvelope, error) {
	resp, err := a.do(ctx, http.MethodGet, "/api/vault/envelope", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNoVault
	default:
		return nil, a.statusError(resp)
	}
	var env models.VaultKeyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// PutEnvelope uploads a new vault key envelope.
func (a *API) PutEnvelope(ctx context.Context, env *models.VaultKeyEnvelope) error {
	resp, err := a.do(ctx, http.MethodPut, "/api/vault/envelope", env)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return nil
	case http.StatusConflict:
		return ErrVaultExists
	default:
		return a.statusError(resp)
	}
}

// UpsertPlaintext uploads one batch of decrypted records, disable
// protocol phase 0.
func (a *API) UpsertPlaintext(ctx context.Context, records []models.Record) error {
	body := struct {
		Records []models.Record `json:"records"`
	}{Records: records}
	resp, err := a.do(ctx, http.MethodPost, "/api/vault/plaintext", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.statusError(resp)
	}
	return nil
}

// VerifyPlaintext asks the server to confirm the re-uploaded plaintext
// set is complete, disable protocol phase 1.
func (a *API) VerifyPlaintext(ctx context.Context, expectedCount int) (*models.VerifyPlaintextResponse, error) {
	path := "/api/vault/verify-plaintext?expectedCount=" + strconv.Itoa(expectedCount)
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, a.statusError(resp)
	}
	var out models.VerifyPlaintextResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	return &out, nil
}

// DeleteEncrypted asks the server to purge the encrypted record set,
// disable protocol phase 2a.
func (a *API) DeleteEncrypted(ctx context.Context) error {
	return a.disable(ctx, "delete-encrypted")
}

// DeleteVault asks the server to delete the key envelope and flip the
// account back to plaintext mode, disable protocol phase 2b.
func (a *API) DeleteVault(ctx context.Context) error {
	return a.disable(ctx, "delete-vault")
}

func (a *API) disable(ctx context.Context, action string) error {
	resp, err := a.do(ctx, http.MethodPost, "/api/vault/disable", map[string]string{"action": action})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return a.statusError(resp)
	}
	return nil
}

func (a *API) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	return resp, nil
}

func (a *API) statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return unexpectedStatus(resp)
}

func unexpectedStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}
