// Package apikey mints gateway API keys. Only the bcrypt hash and a short
// lookup prefix are stored; the raw key is shown once.
package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mindscope/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const (
	// Marker starts every raw key.
	Marker = "ms_"
	// PrefixLen is how much of the raw key is stored in clear for lookup.
	PrefixLen = 8

	secretBytes = 24
)

var ErrInvalidOwner = errors.New("api key owner is required")

// Generate creates a key for userID. raw must be handed to the caller and
// never stored.
func Generate(userID, name string, cost int) (raw string, key *models.APIKey, err error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", nil, ErrInvalidOwner
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("reading random bytes: %w", err)
	}
	raw = Marker + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing api key: %w", err)
	}

	return raw, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   string(hash),
		KeyPrefix: raw[:PrefixLen],
		CreatedAt: time.Now().UTC(),
	}, nil
}
