// Package directory reads patient and doctor identities from the records service.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/qrhealth/consent-core/internal/errs"
	"github.com/qrhealth/consent-core/internal/model"
)

// Directory resolves identities owned by other services.
type Directory interface {
	Patient(ctx context.Context, healthID string) (model.Patient, error)
	Doctor(ctx context.Context, doctorID string) (model.Doctor, error)
}

// ErrUpstream marks a failed or malformed directory response.
var ErrUpstream = errors.New("directory: upstream error")

// Config configures Client.
type Config struct {
	BaseURL string
	Token   string // sent as a bearer token when set
	Timeout time.Duration
}

// Client is the HTTP implementation of Directory.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("directory: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Patient loads the identity behind a health id.
func (c *Client) Patient(ctx context.Context, healthID string) (model.Patient, error) {
	var p model.Patient
	if err := c.get(ctx, "/patients/"+url.PathEscape(healthID), &p); err != nil {
		return model.Patient{}, err
	}
	return p, nil
}

// Doctor loads a doctor account with its verification flag.
func (c *Client) Doctor(ctx context.Context, doctorID string) (model.Doctor, error) {
	var d model.Doctor
	if err := c.get(ctx, "/doctors/"+url.PathEscape(doctorID), &d); err != nil {
		return model.Doctor{}, err
	}
	return d, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status=%d", ErrUpstream, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: invalid json: %v", ErrUpstream, err)
	}
	return nil
}

// Static is an in-memory Directory for development mode and tests.
type Static struct {
	mu       sync.RWMutex
	patients map[string]model.Patient
	doctors  map[string]model.Doctor
}

// NewStatic returns an empty static directory.
func NewStatic() *Static {
	return &Static{patients: map[string]model.Patient{}, doctors: map[string]model.Doctor{}}
}

// AddPatient registers p.
func (s *Static) AddPatient(p model.Patient) *Static {
	s.mu.Lock()
	s.patients[p.HealthID] = p
	s.mu.Unlock()
	return s
}

// AddDoctor registers d.
func (s *Static) AddDoctor(d model.Doctor) *Static {
	s.mu.Lock()
	s.doctors[d.ID] = d
	s.mu.Unlock()
	return s
}

func (s *Static) Patient(_ context.Context, healthID string) (model.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.patients[healthID]
	if !ok {
		return model.Patient{}, errs.ErrNotFound
	}
	return p, nil
}

func (s *Static) Doctor(_ context.Context, doctorID string) (model.Doctor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.doctors[doctorID]
	if !ok {
		return model.Doctor{}, errs.ErrNotFound
	}
	return d, nil
}
