package orchestrate

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"

	txn "github.com/tangelo-labs/go-txn"
)

// Service exposes the named orchestrations. It carries no algorithmic
// content of its own beyond step ordering and the compensation bodies
// specific to the entities involved.
type Service struct {
	exec   *txn.Executor
	repos  Repos
	logger *slog.Logger
}

func NewService(exec *txn.Executor, repos Repos, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{exec: exec, repos: repos, logger: logger}
}

// CreateOrganizationWithOwner provisions a new organization and its owning
// user as a saga: create owner, create organization, link the owner as a
// member, seed default settings. A failure compensates the completed steps
// in reverse order.
func (s *Service) CreateOrganizationWithOwner(ctx context.Context, ownerEmail, orgName string) *txn.Result {
	var userID, orgID string

	steps := []txn.SagaStep{
		{
			Name: "create_owner",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				id, err := s.repos.Users.Create(ctx, tx, ownerEmail)
				userID = id
				return id, err
			},
			Compensate: func(ctx context.Context, data any) error {
				return s.repos.Users.Delete(ctx, s.exec.DB(), data.(string))
			},
		},
		{
			Name: "create_organization",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				id, err := s.repos.Organizations.Create(ctx, tx, orgName, userID)
				orgID = id
				return id, err
			},
			Compensate: func(ctx context.Context, data any) error {
				return s.repos.Organizations.Delete(ctx, s.exec.DB(), data.(string))
			},
		},
		{
			Name: "link_owner",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return nil, s.repos.Organizations.AddMember(ctx, tx, orgID, userID, "owner")
			},
			Compensate: func(ctx context.Context, _ any) error {
				return s.repos.Organizations.RemoveMember(ctx, s.exec.DB(), orgID, userID)
			},
		},
		{
			Name: "seed_defaults",
			Execute: func(ctx context.Context, tx *gorm.DB) (any, error) {
				return nil, s.repos.Organizations.SeedDefaults(ctx, tx, orgID)
			},
		},
	}

	return s.exec.ExecuteSaga(ctx, steps, txn.SagaConfig{Name: "create_organization_with_owner"})
}

// MigrationPlan is the prepared row inventory of a feedback migration.
type MigrationPlan struct {
	Customers int64
	Feedback  int64
}

// MigrationOutcome reports the rows moved per entity type.
type MigrationOutcome struct {
	Customers    int64
	Feedback     int64
	Integrations int64
}

// MigrateFeedback moves every customer, feedback record and integration from
// one organization to another as a two-phase commit: the prepare phase
// validates both organizations and inventories the movable rows, the commit
// phase performs the moves and checks them against the inventory.
func (s *Service) MigrateFeedback(ctx context.Context, fromOrg, toOrg string) *txn.Result {
	prepare := []txn.PrepareOp{
		func(ctx context.Context, tx *gorm.DB) (any, error) {
			ok, err := s.repos.Organizations.Exists(ctx, tx, fromOrg)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("source organization %q not found", fromOrg)
			}
			return fromOrg, nil
		},
		func(ctx context.Context, tx *gorm.DB) (any, error) {
			ok, err := s.repos.Organizations.Exists(ctx, tx, toOrg)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("target organization %q not found", toOrg)
			}
			return toOrg, nil
		},
		func(ctx context.Context, tx *gorm.DB) (any, error) {
			customers, err := s.repos.Customers.CountByOrganization(ctx, tx, fromOrg)
			if err != nil {
				return nil, err
			}
			feedback, err := s.repos.Feedback.CountByOrganization(ctx, tx, fromOrg)
			if err != nil {
				return nil, err
			}
			return MigrationPlan{Customers: customers, Feedback: feedback}, nil
		},
	}

	commit := []txn.CommitOp{
		func(ctx context.Context, tx *gorm.DB, prepared []any) (any, error) {
			plan := prepared[2].(MigrationPlan)
			moved, err := s.repos.Customers.Migrate(ctx, tx, fromOrg, toOrg)
			if err != nil {
				return nil, err
			}
			if moved != plan.Customers {
				return nil, fmt.Errorf("customer migration moved %d rows, planned %d", moved, plan.Customers)
			}
			return moved, nil
		},
		func(ctx context.Context, tx *gorm.DB, prepared []any) (any, error) {
			plan := prepared[2].(MigrationPlan)
			moved, err := s.repos.Feedback.Migrate(ctx, tx, fromOrg, toOrg)
			if err != nil {
				return nil, err
			}
			if moved != plan.Feedback {
				return nil, fmt.Errorf("feedback migration moved %d rows, planned %d", moved, plan.Feedback)
			}
			return moved, nil
		},
		func(ctx context.Context, tx *gorm.DB, _ []any) (any, error) {
			return s.repos.Integrations.Migrate(ctx, tx, fromOrg, toOrg)
		},
	}

	res := s.exec.ExecuteTwoPhaseCommit(ctx, prepare, commit, txn.TwoPhaseConfig{Name: "migrate_feedback"})
	if res.Success {
		committed := res.Data.([]any)
		res.Data = MigrationOutcome{
			Customers:    committed[0].(int64),
			Feedback:     committed[1].(int64),
			Integrations: committed[2].(int64),
		}
	}
	return res
}

// DeleteReport summarizes a DeleteOrganizationCompletely run.
type DeleteReport struct {
	// Deleted maps entity type to the number of rows removed.
	Deleted map[string]int64

	// Failed lists the entity steps whose savepoint was rolled back.
	Failed []StepFailure
}

// StepFailure records one entity-deletion step that was discarded.
type StepFailure struct {
	Entity string
	Err    error
}

// DeleteOrganizationCompletely removes an organization and everything it
// owns, one savepoint per entity type, so a failure deleting integrations
// does not undo an already-completed feedback deletion. Failed steps are
// reported; the rest still commits.
func (s *Service) DeleteOrganizationCompletely(ctx context.Context, orgID string) (*DeleteReport, error) {
	report := &DeleteReport{Deleted: make(map[string]int64)}

	type entityStep struct {
		entity string
		del    func(ctx context.Context, tx *gorm.DB) (int64, error)
	}
	steps := []entityStep{
		{"feedback", func(ctx context.Context, tx *gorm.DB) (int64, error) {
			return s.repos.Feedback.DeleteByOrganization(ctx, tx, orgID)
		}},
		{"customers", func(ctx context.Context, tx *gorm.DB) (int64, error) {
			return s.repos.Customers.DeleteByOrganization(ctx, tx, orgID)
		}},
		{"integrations", func(ctx context.Context, tx *gorm.DB) (int64, error) {
			return s.repos.Integrations.DeleteByOrganization(ctx, tx, orgID)
		}},
		{"members", func(ctx context.Context, tx *gorm.DB) (int64, error) {
			return s.repos.Organizations.DeleteMembers(ctx, tx, orgID)
		}},
		{"organization", func(ctx context.Context, tx *gorm.DB) (int64, error) {
			return 1, s.repos.Organizations.Delete(ctx, tx, orgID)
		}},
	}

	err := s.exec.WithTransaction(ctx, txn.TxConfig{Name: "delete_organization_completely"}, func(ctx context.Context, _ *gorm.DB) error {
		for _, step := range steps {
			var removed int64
			spErr := s.exec.WithSavepoint(ctx, "delete_"+step.entity, func(ctx context.Context, tx *gorm.DB) error {
				var err error
				removed, err = step.del(ctx, tx)
				return err
			})
			if spErr != nil {
				s.logger.Warn("organization delete step discarded",
					"organization_id", orgID, "entity", step.entity, "error", spErr)
				report.Failed = append(report.Failed, StepFailure{Entity: step.entity, Err: spErr})
				continue
			}
			report.Deleted[step.entity] = removed
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
