// Package guild generalizes the teacher's singleton server configuration into a table of guilds, each with its own
// owner, channels, roles, and members. The gateway and domain packages address guilds by ID throughout; nothing in
// this package assumes a deployment has only one.
package guild

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/uncord-chat/uncord-server/internal/gwmodel"
)

// Sentinel errors for the guild package.
var (
	ErrNotFound          = errors.New("guild not found")
	ErrNameLength        = errors.New("name must be between 1 and 100 characters")
	ErrDescriptionLength = errors.New("description must be 1024 characters or fewer")
)

// Guild holds the fields read from the database.
type Guild struct {
	ID          uuid.UUID
	Name        string
	Description string
	IconKey     *string
	BannerKey   *string
	OwnerID     uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ToModel converts the internal guild struct to its wire snapshot.
func (g *Guild) ToModel() gwmodel.Guild {
	return gwmodel.Guild{
		ID:          g.ID.String(),
		Name:        g.Name,
		Description: g.Description,
		OwnerID:     g.OwnerID.String(),
	}
}

// UpdateParams groups the optional fields for updating a guild.
type UpdateParams struct {
	Name        *string
	Description *string
	IconKey     *string
	BannerKey   *string
}

// ValidateName checks that a non-nil name is between 1 and 100 characters (runes) after trimming whitespace. A nil
// pointer means "no change" (useful for PATCH semantics); a non-nil pointer is always validated. On success the
// pointed-to value is replaced with the trimmed result.
func ValidateName(name *string) error {
	if name == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*name)
	if utf8.RuneCountInString(trimmed) < 1 || utf8.RuneCountInString(trimmed) > 100 {
		return ErrNameLength
	}
	*name = trimmed
	return nil
}

// ValidateDescription checks that a non-nil description is 1024 characters (runes) or fewer. A nil pointer means "no
// change" (useful for PATCH semantics); a pointer to an empty string means "clear the description."
func ValidateDescription(desc *string) error {
	if desc == nil {
		return nil
	}
	if utf8.RuneCountInString(*desc) > 1024 {
		return ErrDescriptionLength
	}
	return nil
}

// Repository defines the data-access contract for guild operations.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*Guild, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]Guild, error)
	Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Guild, error)
}
