// Package orchestrate provides the named business orchestrations of the
// feedback platform: domain compositions of the txn pattern primitives over
// narrow repository interfaces. The entities themselves (users, customers,
// feedback, organizations) live outside this layer and are reached only
// through these contracts.
package orchestrate

import (
	"context"

	"gorm.io/gorm"
)

// UserRepo manages user accounts. Delete is used as a saga compensation and
// must be idempotent against a base (non-transactional) handle.
type UserRepo interface {
	Create(ctx context.Context, tx *gorm.DB, email string) (string, error)
	Delete(ctx context.Context, db *gorm.DB, id string) error
}

// OrganizationRepo manages organizations and their membership.
type OrganizationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, name, ownerID string) (string, error)
	Delete(ctx context.Context, db *gorm.DB, id string) error
	Exists(ctx context.Context, tx *gorm.DB, id string) (bool, error)
	AddMember(ctx context.Context, tx *gorm.DB, orgID, userID, role string) error
	RemoveMember(ctx context.Context, db *gorm.DB, orgID, userID string) error
	DeleteMembers(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
	SeedDefaults(ctx context.Context, tx *gorm.DB, orgID string) error
}

// CustomerRepo manages the customers belonging to an organization.
type CustomerRepo interface {
	CountByOrganization(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
	Migrate(ctx context.Context, tx *gorm.DB, fromOrg, toOrg string) (int64, error)
	DeleteByOrganization(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
}

// FeedbackRepo manages feedback records.
type FeedbackRepo interface {
	CountByOrganization(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
	Migrate(ctx context.Context, tx *gorm.DB, fromOrg, toOrg string) (int64, error)
	DeleteByOrganization(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
}

// IntegrationRepo manages third-party integrations of an organization.
type IntegrationRepo interface {
	Migrate(ctx context.Context, tx *gorm.DB, fromOrg, toOrg string) (int64, error)
	DeleteByOrganization(ctx context.Context, tx *gorm.DB, orgID string) (int64, error)
}

// Repos bundles the collaborator contracts an orchestration Service needs.
type Repos struct {
	Users         UserRepo
	Organizations OrganizationRepo
	Customers     CustomerRepo
	Feedback      FeedbackRepo
	Integrations  IntegrationRepo
}
