package service

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/noah-isme/assess-pipeline/internal/models"
	"github.com/noah-isme/assess-pipeline/internal/repository"
)

// PolicyProvider resolves the grading policy for an assignment.
type PolicyProvider interface {
	PolicyFor(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error)
}

type policyProvider struct {
	repo     repository.AssignmentPolicyRepository
	defaults models.AssignmentPolicy
}

// NewPolicyProvider falls back to defaults for assignments without a stored policy.
func NewPolicyProvider(repo repository.AssignmentPolicyRepository, defaults models.AssignmentPolicy) PolicyProvider {
	return &policyProvider{repo: repo, defaults: defaults}
}

func (p *policyProvider) PolicyFor(ctx context.Context, assignmentID string) (models.AssignmentPolicy, error) {
	if p.repo == nil {
		return p.fallback(assignmentID), nil
	}

	policy, err := p.repo.GetByAssignment(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return p.fallback(assignmentID), nil
		}
		return models.AssignmentPolicy{}, err
	}
	return policy, nil
}

func (p *policyProvider) fallback(assignmentID string) models.AssignmentPolicy {
	policy := p.defaults
	policy.AssignmentID = assignmentID
	return policy
}
