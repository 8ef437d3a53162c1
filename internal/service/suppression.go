// internal/service/suppression.go
package service

import (
	"strings"

	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// SuppressionIndex answers "do not send" membership per tenant. Every
// lookup and mutation goes through NormalizeAddress so case variations of
// the same mailbox cannot bypass a suppression.
type SuppressionIndex struct {
	Repo repository.SuppressionRepositoryInterface
}

// NormalizeAddress trims whitespace and case-folds the domain part. The
// local part is kept as-is: RFC 5321 allows it to be case sensitive.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr
	}
	return addr[:at+1] + strings.ToLower(addr[at+1:])
}

func (s *SuppressionIndex) IsSuppressed(tenantID int, addr string) (bool, error) {
	return s.Repo.Exists(tenantID, NormalizeAddress(addr))
}

func (s *SuppressionIndex) Add(tenantID int, addr, reason string) error {
	entry := &model.SuppressionEntry{
		TenantID: tenantID,
		Email:    NormalizeAddress(addr),
		Reason:   reason,
	}
	return s.Repo.Insert(entry)
}

func (s *SuppressionIndex) Remove(tenantID int, addr string) error {
	return s.Repo.Delete(tenantID, NormalizeAddress(addr))
}

func (s *SuppressionIndex) List(tenantID int) ([]model.SuppressionEntry, error) {
	return s.Repo.ListByTenant(tenantID)
}
