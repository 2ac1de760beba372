package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Binding records which Genie conversation a chat session is bound
// to, and how far along it is.
type Binding struct {
	SessionKey     string    `json:"session_key"`
	ConversationID string    `json:"conversation_id"`
	Turns          int       `json:"turns"`
	LastActivity   time.Time `json:"last_activity"`
}

// BindingStore persists bindings through a SnapshotProvider. Session
// keys contain tenant and user identifiers, so object names are
// hashes rather than the raw key.
type BindingStore struct {
	provider SnapshotProvider
}

// NewBindingStore creates a store over the given provider.
func NewBindingStore(provider SnapshotProvider) *BindingStore {
	return &BindingStore{provider: provider}
}

// Save writes or replaces the binding for its session key.
func (s *BindingStore) Save(ctx context.Context, b Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encoding binding: %w", err)
	}
	return s.provider.Write(ctx, bindingKey(b.SessionKey), data)
}

// Load returns the binding for sessionKey, or ErrNotFound.
func (s *BindingStore) Load(ctx context.Context, sessionKey string) (*Binding, error) {
	data, err := s.provider.Read(ctx, bindingKey(sessionKey))
	if err != nil {
		return nil, err
	}

	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding binding: %w", err)
	}
	return &b, nil
}

// Delete removes the binding for sessionKey.
func (s *BindingStore) Delete(ctx context.Context, sessionKey string) error {
	return s.provider.Delete(ctx, bindingKey(sessionKey))
}

// LoadAll returns every stored binding, skipping entries that no
// longer decode.
func (s *BindingStore) LoadAll(ctx context.Context) ([]Binding, error) {
	keys, err := s.provider.List(ctx)
	if err != nil {
		return nil, err
	}

	var bindings []Binding
	for _, key := range keys {
		data, err := s.provider.Read(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		var b Binding
		if err := json.Unmarshal(data, &b); err != nil {
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func bindingKey(sessionKey string) string {
	sum := sha256.Sum256([]byte(sessionKey))
	return hex.EncodeToString(sum[:]) + ".json"
}
