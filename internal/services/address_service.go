package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/karigai/settlement/internal/domain"
	"github.com/karigai/settlement/internal/platform/textutil"
	"github.com/karigai/settlement/internal/repositories"
)

const (
	addressCountry       = "India"
	addressFieldMaxRunes = 200
)

var (
	// ErrAddressInvalidInput indicates the destination is missing a required field.
	ErrAddressInvalidInput = errors.New("address: invalid input")
	// ErrAddressUnavailable indicates the address store could not be reached.
	ErrAddressUnavailable = errors.New("address: unavailable")
)

// AddressServiceDeps wires the address resolver.
type AddressServiceDeps struct {
	Addresses repositories.AddressRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type addressService struct {
	addresses repositories.AddressRepository
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewAddressService validates dependencies and returns the address resolver.
func NewAddressService(deps AddressServiceDeps) (AddressResolver, error) {
	if deps.Addresses == nil {
		return nil, errors.New("address service: address repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &addressService{
		addresses: deps.Addresses,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

// Resolve upserts the registered user's address or serialises a snapshot for a guest.
func (s *addressService) Resolve(ctx context.Context, cmd ResolveAddressCommand) (AddressResolution, error) {
	dest, err := CleanDestination(cmd.Destination)
	if err != nil {
		return AddressResolution{}, err
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		snapshot, err := json.Marshal(domain.AddressSnapshot{
			Street:     dest.Street,
			City:       dest.City,
			State:      dest.State,
			PostalCode: dest.PostalCode,
			Country:    dest.Country,
		})
		if err != nil {
			return AddressResolution{}, fmt.Errorf("address: encode snapshot: %w", err)
		}
		return AddressResolution{Snapshot: string(snapshot), Guest: true}, nil
	}

	now := s.now()
	addr, written, err := s.addresses.UpsertForUser(ctx, Address{
		UserID:     userID,
		Street:     dest.Street,
		City:       dest.City,
		State:      dest.State,
		PostalCode: dest.PostalCode,
		Country:    dest.Country,
		IsDefault:  true,
		Hash:       AddressHash(dest),
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		s.logger(ctx, "address.upsert_failed", map[string]any{"userId": userID, "error": err.Error()})
		return AddressResolution{}, fmt.Errorf("%w: %v", ErrAddressUnavailable, err)
	}
	if written {
		s.logger(ctx, "address.upserted", map[string]any{"userId": userID, "addressId": addr.ID})
	}
	return AddressResolution{AddressID: addr.ID, Written: written}, nil
}

// CleanDestination strips markup from every field, pins the country and requires the fields a
// courier needs.
func CleanDestination(dest Destination) (Destination, error) {
	cleaned := Destination{
		Street:     textutil.PlainText(dest.Street, addressFieldMaxRunes),
		City:       textutil.PlainText(dest.City, addressFieldMaxRunes),
		State:      textutil.PlainText(dest.State, addressFieldMaxRunes),
		PostalCode: textutil.PlainText(dest.PostalCode, 12),
		Country:    addressCountry,
	}
	var missing []string
	if cleaned.Street == "" {
		missing = append(missing, "street")
	}
	if cleaned.City == "" {
		missing = append(missing, "city")
	}
	if cleaned.State == "" {
		missing = append(missing, "state")
	}
	if cleaned.PostalCode == "" {
		missing = append(missing, "postalCode")
	}
	if len(missing) > 0 {
		return Destination{}, fmt.Errorf("%w: missing %s", ErrAddressInvalidInput, strings.Join(missing, ", "))
	}
	return cleaned, nil
}

// AddressHash fingerprints the address content. Case and surrounding whitespace are ignored.
func AddressHash(dest Destination) string {
	parts := []string{dest.Street, dest.City, dest.State, dest.PostalCode, dest.Country}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
