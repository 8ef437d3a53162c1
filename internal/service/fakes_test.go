package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	appErrors "github.com/mailkite/mailkite-backend/internal/errors"
	"github.com/mailkite/mailkite-backend/internal/model"
	"github.com/mailkite/mailkite-backend/internal/repository"
)

// In-memory fakes mirroring the SQL semantics the services rely on.

type fakeDeliveryRepo struct {
	mu          sync.Mutex
	seq         int
	records     map[int]*model.DeliveryRecord
	byRecipient map[string]int
	byMessage   map[string]int
	severity    map[int]int
	events      []model.DeliveryEvent
	eventKeys   map[string]bool
	buffered    []model.PendingEvent
	bufferKeys  map[string]bool
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{
		records:     map[int]*model.DeliveryRecord{},
		byRecipient: map[string]int{},
		byMessage:   map[string]int{},
		severity:    map[int]int{},
		eventKeys:   map[string]bool{},
		bufferKeys:  map[string]bool{},
	}
}

func recipientKey(campaignID int, email string) string {
	return fmt.Sprintf("%d|%s", campaignID, email)
}

func (f *fakeDeliveryRepo) CreateQueued(campaignID, tenantID int, email string) (*model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recipientKey(campaignID, email)
	if id, ok := f.byRecipient[key]; ok {
		rec := *f.records[id]
		return &rec, nil
	}
	f.seq++
	now := time.Now()
	rec := &model.DeliveryRecord{
		ID:             f.seq,
		CampaignID:     campaignID,
		TenantID:       tenantID,
		RecipientEmail: email,
		Status:         model.DeliveryQueued,
		FirstSeenAt:    now,
		LastUpdatedAt:  now,
	}
	f.records[rec.ID] = rec
	f.byRecipient[key] = rec.ID
	f.severity[rec.ID] = model.StatusSeverity[model.DeliveryQueued]
	out := *rec
	return &out, nil
}

func (f *fakeDeliveryRepo) GetByMessageID(messageID string) (*model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byMessage[messageID]
	if !ok {
		return nil, nil
	}
	rec := *f.records[id]
	return &rec, nil
}

func (f *fakeDeliveryRepo) GetByRecipient(campaignID int, email string) (*model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRecipient[recipientKey(campaignID, email)]
	if !ok {
		return nil, nil
	}
	rec := *f.records[id]
	return &rec, nil
}

func (f *fakeDeliveryRepo) MarkSent(campaignID int, email, messageID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRecipient[recipientKey(campaignID, email)]
	if !ok {
		return false, nil
	}
	rec := f.records[id]
	if rec.Status != model.DeliveryQueued {
		return false, nil
	}
	rec.Status = model.DeliverySent
	rec.ProviderMessageID = messageID
	rec.LastUpdatedAt = time.Now()
	f.severity[id] = model.StatusSeverity[model.DeliverySent]
	f.byMessage[messageID] = id
	return true, nil
}

func (f *fakeDeliveryRepo) MarkFailed(campaignID int, email, lastError string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRecipient[recipientKey(campaignID, email)]
	if !ok {
		return false, nil
	}
	rec := f.records[id]
	if rec.Status != model.DeliveryQueued {
		return false, nil
	}
	rec.Status = model.DeliveryFailed
	rec.LastError = lastError
	rec.LastUpdatedAt = time.Now()
	return true, nil
}

func (f *fakeDeliveryRepo) SkipQueuedForCampaign(campaignID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rec := range f.records {
		if rec.CampaignID == campaignID && rec.Status == model.DeliveryQueued {
			rec.Status = model.DeliverySkipped
			rec.LastUpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (f *fakeDeliveryRepo) UpdateStatusIfMoreSevere(recordID int, status string, severity int, occurredAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordID]
	if !ok {
		return false, nil
	}
	if f.severity[recordID] >= severity {
		return false, nil
	}
	rec.Status = status
	rec.LastUpdatedAt = occurredAt
	f.severity[recordID] = severity
	return true, nil
}

func (f *fakeDeliveryRepo) InsertEventIfNew(recordID int, messageID, eventType string, occurredAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%d|%s", recordID, eventType)
	if f.eventKeys[key] {
		return false, nil
	}
	f.eventKeys[key] = true
	f.events = append(f.events, model.DeliveryEvent{
		ID:                len(f.events) + 1,
		RecordID:          recordID,
		ProviderMessageID: messageID,
		EventType:         eventType,
		OccurredAt:        occurredAt,
		CreatedAt:         time.Now(),
	})
	return true, nil
}

func (f *fakeDeliveryRepo) ListByCampaign(campaignID int) ([]model.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.DeliveryRecord{}
	for i := 1; i <= f.seq; i++ {
		if rec, ok := f.records[i]; ok && rec.CampaignID == campaignID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) ListEvents(recordID int) ([]model.DeliveryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.DeliveryEvent{}
	for _, ev := range f.events {
		if ev.RecordID == recordID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) Stats(campaignID int) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := map[string]int{}
	for _, rec := range f.records {
		if rec.CampaignID == campaignID {
			stats[rec.Status]++
		}
	}
	return stats, nil
}

func bufferKey(messageID, eventType string) string {
	return fmt.Sprintf("%s|%s", messageID, eventType)
}

func (f *fakeDeliveryRepo) BufferEvent(messageID, eventType string, occurredAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bufferKey(messageID, eventType)
	if f.bufferKeys[key] {
		return false, nil
	}
	f.bufferKeys[key] = true
	f.buffered = append(f.buffered, model.PendingEvent{
		ID:                len(f.buffered) + 1,
		ProviderMessageID: messageID,
		EventType:         eventType,
		OccurredAt:        occurredAt,
		CreatedAt:         time.Now(),
	})
	return true, nil
}

func (f *fakeDeliveryRepo) TakeBufferedEvents(messageID string) ([]model.PendingEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	taken := []model.PendingEvent{}
	kept := f.buffered[:0]
	for _, ev := range f.buffered {
		if ev.ProviderMessageID == messageID {
			taken = append(taken, ev)
			delete(f.bufferKeys, bufferKey(ev.ProviderMessageID, ev.EventType))
			continue
		}
		kept = append(kept, ev)
	}
	f.buffered = kept
	return taken, nil
}

func (f *fakeDeliveryRepo) ExpireBufferedEvents(before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	kept := f.buffered[:0]
	for _, ev := range f.buffered {
		if ev.CreatedAt.Before(before) {
			n++
			delete(f.bufferKeys, bufferKey(ev.ProviderMessageID, ev.EventType))
			continue
		}
		kept = append(kept, ev)
	}
	f.buffered = kept
	return n, nil
}

var _ repository.DeliveryRepositoryInterface = (*fakeDeliveryRepo)(nil)

type fakeCampaignRepo struct {
	mu        sync.Mutex
	seq       int
	campaigns map[int]*model.Campaign
}

func newFakeCampaignRepo() *fakeCampaignRepo {
	return &fakeCampaignRepo{campaigns: map[int]*model.Campaign{}}
}

func (f *fakeCampaignRepo) Create(c *model.Campaign) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	c.ID = f.seq
	c.CreatedAt = time.Now()
	cp := *c
	f.campaigns[c.ID] = &cp
	return nil
}

func (f *fakeCampaignRepo) GetByID(id int) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaignRepo) ListCampaigns(offset, limit int, tenantID int, status string) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.campaigns {
		if tenantID > 0 && c.TenantID != tenantID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (f *fakeCampaignRepo) ListDue(now time.Time) ([]*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.campaigns {
		if c.Status == model.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeCampaignRepo) UpdateStatus(campaignID int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[campaignID]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeCampaignRepo) TransitionStatus(campaignID int, to string, from ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[campaignID]
	if !ok {
		return false, nil
	}
	for _, s := range from {
		if c.Status == s {
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCampaignRepo) UpdateSchedule(campaignID int, scheduledAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.campaigns[campaignID]; ok {
		c.ScheduledAt = scheduledAt
	}
	return nil
}

func (f *fakeCampaignRepo) Delete(campaignID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.campaigns, campaignID)
	return nil
}

var _ repository.CampaignRepositoryInterface = (*fakeCampaignRepo)(nil)

type fakeSubscriberRepo struct {
	mu          sync.Mutex
	subscribers []model.Subscriber
}

func (f *fakeSubscriberRepo) GetByID(id int) (*model.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subscribers {
		if s.ID == id {
			cp := s
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeSubscriberRepo) ListActive(tenantID int) ([]model.Subscriber, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.Subscriber{}
	for _, s := range f.subscribers {
		if s.TenantID == tenantID && s.Status == model.SubscriberActive {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSubscriberRepo) MarkSuppressed(tenantID int, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.subscribers {
		if f.subscribers[i].TenantID == tenantID && f.subscribers[i].Email == email {
			f.subscribers[i].Status = model.SubscriberSuppressed
		}
	}
	return nil
}

var _ repository.SubscriberRepositoryInterface = (*fakeSubscriberRepo)(nil)

type fakeSuppressionRepo struct {
	mu      sync.Mutex
	entries map[string]model.SuppressionEntry
}

func newFakeSuppressionRepo() *fakeSuppressionRepo {
	return &fakeSuppressionRepo{entries: map[string]model.SuppressionEntry{}}
}

func suppressionKey(tenantID int, email string) string {
	return fmt.Sprintf("%d|%s", tenantID, email)
}

func (f *fakeSuppressionRepo) Exists(tenantID int, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[suppressionKey(tenantID, email)]
	return ok, nil
}

func (f *fakeSuppressionRepo) Insert(entry *model.SuppressionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := suppressionKey(entry.TenantID, entry.Email)
	if _, ok := f.entries[key]; ok {
		return nil
	}
	entry.ID = len(f.entries) + 1
	f.entries[key] = *entry
	return nil
}

func (f *fakeSuppressionRepo) Delete(tenantID int, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, suppressionKey(tenantID, email))
	return nil
}

func (f *fakeSuppressionRepo) ListByTenant(tenantID int) ([]model.SuppressionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []model.SuppressionEntry{}
	for _, e := range f.entries {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ repository.SuppressionRepositoryInterface = (*fakeSuppressionRepo)(nil)

// fakeSender records sends and answers from a configurable func.
type fakeSender struct {
	mu    sync.Mutex
	calls []fakeSendCall
	send  func(to, token string, attempt int) (string, error)
}

type fakeSendCall struct {
	To    string
	Token string
}

func (f *fakeSender) Send(ctx context.Context, to, subject, body, token string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeSendCall{To: to, Token: token})
	n := len(f.calls)
	f.mu.Unlock()
	if f.send != nil {
		return f.send(to, token, n)
	}
	return fmt.Sprintf("msg-%d", n), nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
