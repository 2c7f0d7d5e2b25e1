package main

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketEndpoints = []byte("endpoints")

	// ErrEndpointNotFound is returned when a subscription does not exist.
	ErrEndpointNotFound = errors.New("webhook endpoint not found")
)

// Endpoint is a registered webhook destination. An empty EventTypes list
// subscribes to every event.
type Endpoint struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Wants reports whether the endpoint subscribes to the event type.
func (e Endpoint) Wants(eventType string) bool {
	if !e.Active {
		return false
	}
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// EndpointStore persists webhook subscriptions in a local Bolt database.
type EndpointStore struct {
	db *bolt.DB
}

// NewEndpointStore initialises the Bolt-backed subscription store.
func NewEndpointStore(path string) (*EndpointStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEndpoints)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &EndpointStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *EndpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Register stores a new subscription and assigns it an identifier.
func (s *EndpointStore) Register(url, secret string, eventTypes []string, now time.Time) (Endpoint, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return Endpoint{}, errors.New("endpoint url required")
	}
	if strings.TrimSpace(secret) == "" {
		return Endpoint{}, errors.New("endpoint secret required")
	}
	cleaned := make([]string, 0, len(eventTypes))
	for _, t := range eventTypes {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	endpoint := Endpoint{
		ID:         uuid.New().String(),
		URL:        url,
		Secret:     secret,
		EventTypes: cleaned,
		Active:     true,
		CreatedAt:  now.UTC(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		payload, err := json.Marshal(endpoint)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketEndpoints).Put([]byte(endpoint.ID), payload)
	})
	if err != nil {
		return Endpoint{}, err
	}
	return endpoint, nil
}

// Get fetches a subscription by identifier.
func (s *EndpointStore) Get(id string) (Endpoint, error) {
	var endpoint Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEndpoints).Get([]byte(id))
		if raw == nil {
			return ErrEndpointNotFound
		}
		return json.Unmarshal(raw, &endpoint)
	})
	if err != nil {
		return Endpoint{}, err
	}
	return endpoint, nil
}

// List returns every stored subscription.
func (s *EndpointStore) List() ([]Endpoint, error) {
	var endpoints []Endpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEndpoints).ForEach(func(_, raw []byte) error {
			var endpoint Endpoint
			if err := json.Unmarshal(raw, &endpoint); err != nil {
				return err
			}
			endpoints = append(endpoints, endpoint)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}

// Matching returns active subscriptions interested in the event type.
func (s *EndpointStore) Matching(eventType string) ([]Endpoint, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var matched []Endpoint
	for _, endpoint := range all {
		if endpoint.Wants(eventType) {
			matched = append(matched, endpoint)
		}
	}
	return matched, nil
}

// Deactivate marks a subscription inactive, keeping its delivery history
// addressable.
func (s *EndpointStore) Deactivate(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEndpoints)
		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrEndpointNotFound
		}
		var endpoint Endpoint
		if err := json.Unmarshal(raw, &endpoint); err != nil {
			return err
		}
		if !endpoint.Active {
			return nil
		}
		endpoint.Active = false
		payload, err := json.Marshal(endpoint)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), payload)
	})
}
