// Package memory provides map-backed store implementations. They are used
// by tests and by components that need a store without a database; the
// semantics mirror the Postgres implementations.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentrahq/sentra/internal/store"
)

// DB is the shared backing state for all memory stores.
type DB struct {
	mu sync.RWMutex

	sessions      map[uuid.UUID]*store.Session
	conversations map[uuid.UUID]*store.Conversation
	messages      map[uuid.UUID]*store.Message
	logs          []store.ModerationLog
	rules         map[uuid.UUID]*store.SafetyRule
	moderation    map[string]*store.ModerationSetting
	escalation    map[string]*store.EscalationSetting
	system        map[string]*store.SystemSetting
	knowledge     map[uuid.UUID]*store.KnowledgeDoc
}

// NewStores returns a fully wired in-memory store set.
func NewStores() *store.Stores {
	db := &DB{
		sessions:      make(map[uuid.UUID]*store.Session),
		conversations: make(map[uuid.UUID]*store.Conversation),
		messages:      make(map[uuid.UUID]*store.Message),
		rules:         make(map[uuid.UUID]*store.SafetyRule),
		moderation:    make(map[string]*store.ModerationSetting),
		escalation:    make(map[string]*store.EscalationSetting),
		system:        make(map[string]*store.SystemSetting),
		knowledge:     make(map[uuid.UUID]*store.KnowledgeDoc),
	}
	return &store.Stores{
		Sessions:           &sessionStore{db},
		Conversations:      &conversationStore{db},
		Messages:           &messageStore{db},
		ModerationLogs:     &moderationLogStore{db},
		SafetyRules:        &safetyRuleStore{db},
		ModerationSettings: &moderationSettingStore{db},
		EscalationSettings: &escalationSettingStore{db},
		SystemSettings:     &systemSettingStore{db},
		Knowledge:          &knowledgeStore{db},
		Config:             &configStore{db},
		Stats:              &statsStore{db},
	}
}

// --- sessions ---

type sessionStore struct{ db *DB }

func (s *sessionStore) Touch(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now()
	if sess, ok := s.db.sessions[id]; ok {
		sess.LastSeen = now
		return nil
	}
	s.db.sessions[id] = &store.Session{ID: id, FirstSeen: now, LastSeen: now}
	return nil
}

func (s *sessionStore) CountActiveSince(_ context.Context, cutoff time.Time) (int, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	n := 0
	for _, sess := range s.db.sessions {
		if !sess.LastSeen.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// --- conversations ---

type conversationStore struct{ db *DB }

func (s *conversationStore) Create(_ context.Context, sessionID uuid.UUID) (*store.Conversation, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	now := time.Now()
	conv := &store.Conversation{
		ID:        store.GenNewID(),
		SessionID: sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.db.conversations[conv.ID] = conv
	out := *conv
	return &out, nil
}

func (s *conversationStore) Get(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	conv, ok := s.db.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (s *conversationStore) GetForSession(_ context.Context, id, sessionID uuid.UUID) (*store.Conversation, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	conv, ok := s.db.conversations[id]
	if !ok || conv.SessionID != sessionID {
		return nil, store.ErrNotFound
	}
	out := *conv
	return &out, nil
}

func (s *conversationStore) ListBySession(_ context.Context, sessionID uuid.UUID, limit, offset int) (store.ConversationListResult, error) {
	return s.listWhere(func(c *store.Conversation) bool { return c.SessionID == sessionID }, limit, offset)
}

func (s *conversationStore) ListEscalated(_ context.Context, limit, offset int) (store.ConversationListResult, error) {
	return s.listWhere(func(c *store.Conversation) bool { return c.Escalated }, limit, offset)
}

func (s *conversationStore) listWhere(keep func(*store.Conversation) bool, limit, offset int) (store.ConversationListResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var all []store.Conversation
	for _, conv := range s.db.conversations {
		if keep(conv) {
			all = append(all, *conv)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	result := store.ConversationListResult{Total: len(all)}
	if offset >= len(all) {
		return result, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	result.Conversations = all[offset:end]
	return result, nil
}

func (s *conversationStore) MarkEscalated(_ context.Context, id uuid.UUID, category string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return s.db.markEscalatedLocked(id, category)
}

func (s *conversationStore) Touch(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if conv, ok := s.db.conversations[id]; ok {
		conv.UpdatedAt = time.Now()
	}
	return nil
}

func (db *DB) markEscalatedLocked(id uuid.UUID, category string) error {
	conv, ok := db.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	if conv.Escalated {
		return nil
	}
	conv.Escalated = true
	conv.EscalationCategory = &category
	conv.UpdatedAt = time.Now()
	return nil
}

// --- messages ---

type messageStore struct{ db *DB }

func (s *messageStore) Insert(_ context.Context, m *store.Message) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	stored := *m
	s.db.messages[m.ID] = &stored
	return nil
}

func (s *messageStore) Get(_ context.Context, id uuid.UUID) (*store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *messageStore) ListByConversation(_ context.Context, conversationID uuid.UUID) ([]store.Message, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var msgs []store.Message
	for _, m := range s.db.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, *m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID.String() < msgs[j].ID.String()
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

func (s *messageStore) SetVerdict(_ context.Context, id uuid.UUID, flagged bool, log *store.ModerationLog) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Flagged = flagged
	if log != nil {
		log.MessageID = id
		s.db.appendLogLocked(log)
	}
	return nil
}

func (s *messageStore) Rewrite(_ context.Context, id uuid.UUID, content string, flagged bool, log *store.ModerationLog, escalationCategory *string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m, ok := s.db.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	m.Content = content
	m.Flagged = flagged
	if log != nil {
		log.MessageID = id
		s.db.appendLogLocked(log)
	}
	if escalationCategory != nil {
		if err := s.db.markEscalatedLocked(m.ConversationID, *escalationCategory); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) appendLogLocked(l *store.ModerationLog) {
	if l.ID == uuid.Nil {
		l.ID = store.GenNewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	db.logs = append(db.logs, *l)
}

// --- moderation logs ---

type moderationLogStore struct{ db *DB }

func (s *moderationLogStore) Insert(_ context.Context, l *store.ModerationLog) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.appendLogLocked(l)
	return nil
}

func (s *moderationLogStore) List(_ context.Context, limit, offset int) (store.ModerationLogListResult, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	ordered := make([]store.ModerationLog, len(s.db.logs))
	copy(ordered, s.db.logs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.After(ordered[j].CreatedAt) })

	result := store.ModerationLogListResult{Total: len(ordered)}
	if offset >= len(ordered) {
		return result, nil
	}
	end := offset + limit
	if end > len(ordered) {
		end = len(ordered)
	}
	result.Logs = ordered[offset:end]
	return result, nil
}

// --- safety rules ---

type safetyRuleStore struct{ db *DB }

func (s *safetyRuleStore) List(_ context.Context) ([]store.SafetyRule, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.rulesLocked(), nil
}

func (db *DB) rulesLocked() []store.SafetyRule {
	var rules []store.SafetyRule
	for _, r := range db.rules {
		rules = append(rules, *r)
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
	return rules
}

func (s *safetyRuleStore) Get(_ context.Context, id uuid.UUID) (*store.SafetyRule, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	r, ok := s.db.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *safetyRuleStore) Create(_ context.Context, r *store.SafetyRule) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = store.GenNewID()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	stored := *r
	s.db.rules[r.ID] = &stored
	return nil
}

func (s *safetyRuleStore) Update(_ context.Context, r *store.SafetyRule) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.rules[r.ID]; !ok {
		return store.ErrNotFound
	}
	r.UpdatedAt = time.Now()
	stored := *r
	s.db.rules[r.ID] = &stored
	return nil
}

func (s *safetyRuleStore) Delete(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.rules[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.db.rules, id)
	return nil
}

// --- moderation settings ---

type moderationSettingStore struct{ db *DB }

func (s *moderationSettingStore) List(_ context.Context) ([]store.ModerationSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.moderationLocked(), nil
}

func (db *DB) moderationLocked() []store.ModerationSetting {
	var settings []store.ModerationSetting
	for _, m := range db.moderation {
		settings = append(settings, *m)
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Category < settings[j].Category })
	return settings
}

func (s *moderationSettingStore) Get(_ context.Context, category string) (*store.ModerationSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.moderation[category]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *moderationSettingStore) Upsert(_ context.Context, m *store.ModerationSetting) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	m.UpdatedAt = time.Now()
	stored := *m
	s.db.moderation[m.Category] = &stored
	return nil
}

// --- escalation settings ---

type escalationSettingStore struct{ db *DB }

func (s *escalationSettingStore) List(_ context.Context) ([]store.EscalationSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.escalationLocked(), nil
}

func (db *DB) escalationLocked() []store.EscalationSetting {
	var settings []store.EscalationSetting
	for _, e := range db.escalation {
		settings = append(settings, *e)
	}
	sort.Slice(settings, func(i, j int) bool {
		if settings[i].Priority != settings[j].Priority {
			return settings[i].Priority > settings[j].Priority
		}
		return settings[i].Category < settings[j].Category
	})
	return settings
}

func (s *escalationSettingStore) Get(_ context.Context, category string) (*store.EscalationSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.escalation[category]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *e
	return &out, nil
}

func (s *escalationSettingStore) Upsert(_ context.Context, e *store.EscalationSetting) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e.UpdatedAt = time.Now()
	stored := *e
	s.db.escalation[e.Category] = &stored
	return nil
}

// --- system settings ---

type systemSettingStore struct{ db *DB }

func (s *systemSettingStore) List(_ context.Context) ([]store.SystemSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.systemLocked(), nil
}

func (db *DB) systemLocked() []store.SystemSetting {
	var settings []store.SystemSetting
	for _, st := range db.system {
		settings = append(settings, *st)
	}
	sort.Slice(settings, func(i, j int) bool { return settings[i].Key < settings[j].Key })
	return settings
}

func (s *systemSettingStore) Get(_ context.Context, key string) (*store.SystemSetting, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	st, ok := s.db.system[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *st
	return &out, nil
}

func (s *systemSettingStore) Upsert(_ context.Context, st *store.SystemSetting) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st.UpdatedAt = time.Now()
	stored := *st
	s.db.system[st.Key] = &stored
	return nil
}

// --- knowledge ---

type knowledgeStore struct{ db *DB }

func (s *knowledgeStore) List(_ context.Context) ([]store.KnowledgeDoc, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.db.knowledgeLocked(), nil
}

func (db *DB) knowledgeLocked() []store.KnowledgeDoc {
	var docs []store.KnowledgeDoc
	for _, d := range db.knowledge {
		docs = append(docs, *d)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID.String() < docs[j].ID.String()
		}
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	return docs
}

func (s *knowledgeStore) Get(_ context.Context, id uuid.UUID) (*store.KnowledgeDoc, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	d, ok := s.db.knowledge[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *knowledgeStore) Create(_ context.Context, d *store.KnowledgeDoc) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = store.GenNewID()
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	stored := *d
	s.db.knowledge[d.ID] = &stored
	return nil
}

func (s *knowledgeStore) Update(_ context.Context, d *store.KnowledgeDoc) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.knowledge[d.ID]; !ok {
		return store.ErrNotFound
	}
	d.UpdatedAt = time.Now()
	stored := *d
	s.db.knowledge[d.ID] = &stored
	return nil
}

func (s *knowledgeStore) Delete(_ context.Context, id uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.knowledge[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.db.knowledge, id)
	return nil
}

func (s *knowledgeStore) BulkImport(ctx context.Context, docs []store.KnowledgeDoc) (int, error) {
	for i := range docs {
		if err := s.Create(ctx, &docs[i]); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

func (s *knowledgeStore) BulkDelete(_ context.Context, ids []uuid.UUID) (int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.db.knowledge[id]; ok {
			delete(s.db.knowledge, id)
			n++
		}
	}
	return n, nil
}

// --- config bundle ---

type configStore struct{ db *DB }

func (s *configStore) LoadBundle(_ context.Context) (*store.ConfigBundle, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return &store.ConfigBundle{
		Rules:      s.db.rulesLocked(),
		Moderation: s.db.moderationLocked(),
		Escalation: s.db.escalationLocked(),
		System:     s.db.systemLocked(),
		Knowledge:  s.db.knowledgeLocked(),
		LoadedAt:   time.Now(),
	}, nil
}

// --- stats ---

type statsStore struct{ db *DB }

func (s *statsStore) Overview(_ context.Context) (*store.Stats, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()

	st := &store.Stats{TotalConversations: len(s.db.conversations)}
	for _, c := range s.db.conversations {
		if c.Escalated {
			st.EscalatedConversations++
		}
	}

	var rtSum, rtN, tokSum, tokN float64
	for _, m := range s.db.messages {
		st.TotalMessages++
		if m.Flagged {
			st.FlaggedMessages++
		}
		if m.ResponseTimeMs != nil {
			rtSum += float64(*m.ResponseTimeMs)
			rtN++
		}
		if m.TokenCount != nil {
			tokSum += float64(*m.TokenCount)
			tokN++
		}
	}
	if rtN > 0 {
		st.AvgResponseTimeMs = rtSum / rtN
	}
	if tokN > 0 {
		st.AvgTokensUsed = tokSum / tokN
	}

	blocked := make(map[uuid.UUID]bool)
	for _, l := range s.db.logs {
		if strings.EqualFold(l.Decision, "block") {
			blocked[l.MessageID] = true
		}
	}
	st.BlockedMessages = len(blocked)

	cutoff := time.Now().Add(-24 * time.Hour)
	for _, sess := range s.db.sessions {
		if !sess.LastSeen.Before(cutoff) {
			st.ActiveSessions24h++
		}
	}
	return st, nil
}
