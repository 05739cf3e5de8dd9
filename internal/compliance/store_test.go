package compliance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerage/compliance-engine/internal/events"
	"github.com/brokerage/compliance-engine/internal/models"
)

// --- Mock rule repository ---

type mockRuleRepo struct {
	mu        sync.Mutex
	rules     map[uuid.UUID]*models.Rule
	createErr error
	updateErr error
	deleteErr error
	listErr   error
	creates   int
}

func newMockRuleRepo() *mockRuleRepo {
	return &mockRuleRepo{rules: make(map[uuid.UUID]*models.Rule)}
}

func (m *mockRuleRepo) Create(_ context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	m.creates++
	return nil
}

func (m *mockRuleRepo) Update(_ context.Context, rule *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.rules[rule.ID]; !ok {
		return models.ErrRuleNotFound
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *mockRuleRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	delete(m.rules, id)
	return nil
}

func (m *mockRuleRepo) ListActive(_ context.Context) ([]*models.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.Rule
	for _, r := range m.rules {
		if r.Status == models.RuleStatusActive {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func newTestStore(t *testing.T) (*RuleStore, *mockRuleRepo, *Registry, *events.Bus) {
	t.Helper()
	repo := newMockRuleRepo()
	registry := NewRegistry()
	bus := events.NewBus(8)
	return NewRuleStore(repo, registry, bus), repo, registry, bus
}

func validInput(name string) CreateRuleInput {
	return CreateRuleInput{
		Name:     name,
		Category: models.RuleCategoryAML,
		Type:     models.RuleTypeThreshold,
		Conditions: models.JSONList{
			{"field": "amount", "operator": ">", "value": 10000},
		},
		Actions: []string{"alert"},
	}
}

func TestCreateRuleAppliesDefaults(t *testing.T) {
	store, repo, registry, _ := newTestStore(t)

	rule, err := store.CreateRule(context.Background(), validInput("large transfers"), "officer-1")
	require.NoError(t, err)

	assert.Equal(t, models.SeverityMedium, rule.Severity)
	assert.Equal(t, 1, rule.Priority)
	assert.Equal(t, models.RuleStatusActive, rule.Status)
	assert.Equal(t, "officer-1", rule.CreatedBy)

	repo.mu.Lock()
	_, persisted := repo.rules[rule.ID]
	repo.mu.Unlock()
	assert.True(t, persisted)

	got, err := store.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)

	_, registered := registry.Get(rule.ID.String())
	assert.True(t, registered)
}

func TestCreateRuleValidationPersistsNothing(t *testing.T) {
	store, repo, registry, bus := newTestStore(t)
	created := bus.Subscribe(events.RuleCreated)

	cases := []struct {
		name  string
		mut   func(*CreateRuleInput)
		field string
	}{
		{"missing name", func(in *CreateRuleInput) { in.Name = "" }, "name"},
		{"bad category", func(in *CreateRuleInput) { in.Category = "FRAUD" }, "category"},
		{"bad type", func(in *CreateRuleInput) { in.Type = "HEURISTIC" }, "type"},
		{"empty conditions", func(in *CreateRuleInput) { in.Conditions = nil }, "conditions"},
		{"empty actions", func(in *CreateRuleInput) { in.Actions = nil }, "actions"},
		{"bad severity", func(in *CreateRuleInput) { in.Severity = "urgent" }, "severity"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput("r")
			tc.mut(&in)

			_, err := store.CreateRule(context.Background(), in, "officer-1")
			require.Error(t, err)

			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	repo.mu.Lock()
	assert.Equal(t, 0, repo.creates)
	repo.mu.Unlock()
	assert.Empty(t, store.GetRules("", ""))
	assert.Len(t, created, 0)

	// built-ins survive regardless
	_, ok := registry.Get(BuiltinPDTCheck)
	assert.True(t, ok)
}

func TestUpdateRule(t *testing.T) {
	store, _, _, bus := newTestStore(t)
	updated := bus.Subscribe(events.RuleUpdated)

	rule, err := store.CreateRule(context.Background(), validInput("r"), "officer-1")
	require.NoError(t, err)

	newPriority := 9
	inactive := models.RuleStatusInactive
	got, err := store.UpdateRule(context.Background(), rule.ID, RulePatch{
		Priority: &newPriority,
		Status:   &inactive,
	}, "officer-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Priority)
	assert.Equal(t, models.RuleStatusInactive, got.Status)
	assert.Len(t, updated, 1)

	// untouched fields survive the merge
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Conditions, got.Conditions)
}

func TestUpdateRuleErrors(t *testing.T) {
	store, _, _, _ := newTestStore(t)

	rule, err := store.CreateRule(context.Background(), validInput("r"), "officer-1")
	require.NoError(t, err)

	_, err = store.UpdateRule(context.Background(), uuid.New(), RulePatch{}, "officer-1")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)

	_, err = store.UpdateRule(context.Background(), rule.ID, RulePatch{}, "officer-2")
	assert.ErrorIs(t, err, models.ErrNotRuleOwner)

	bad := "urgent"
	_, err = store.UpdateRule(context.Background(), rule.ID, RulePatch{Severity: &bad}, "officer-1")
	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)

	// rejected update leaves the cached rule unchanged
	got, err := store.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityMedium, got.Severity)
}

func TestDeleteRule(t *testing.T) {
	store, _, registry, bus := newTestStore(t)
	deleted := bus.Subscribe(events.RuleDeleted)

	rule, err := store.CreateRule(context.Background(), validInput("r"), "officer-1")
	require.NoError(t, err)

	err = store.DeleteRule(context.Background(), rule.ID, "officer-2")
	assert.ErrorIs(t, err, models.ErrNotRuleOwner)

	require.NoError(t, store.DeleteRule(context.Background(), rule.ID, "officer-1"))

	_, err = store.GetRule(rule.ID)
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
	_, ok := registry.Get(rule.ID.String())
	assert.False(t, ok)
	assert.Len(t, deleted, 1)

	err = store.DeleteRule(context.Background(), rule.ID, "officer-1")
	assert.ErrorIs(t, err, models.ErrRuleNotFound)
}

func TestGetRulesFiltersAndOrders(t *testing.T) {
	store, _, _, _ := newTestStore(t)
	ctx := context.Background()

	mk := func(name, category string, priority int) *models.Rule {
		in := validInput(name)
		in.Category = category
		in.Priority = priority
		rule, err := store.CreateRule(ctx, in, "officer-1")
		require.NoError(t, err)
		return rule
	}

	low := mk("low", models.RuleCategoryAML, 1)
	highA := mk("high-a", models.RuleCategoryAML, 5)
	highB := mk("high-b", models.RuleCategoryKYC, 5)

	all := store.GetRules("", "")
	require.Len(t, all, 3)
	// priority descending, insertion order breaks the tie
	assert.Equal(t, highA.ID, all[0].ID)
	assert.Equal(t, highB.ID, all[1].ID)
	assert.Equal(t, low.ID, all[2].ID)

	aml := store.GetRules(models.RuleCategoryAML, "")
	require.Len(t, aml, 2)
	assert.Equal(t, highA.ID, aml[0].ID)
	assert.Equal(t, low.ID, aml[1].ID)

	inactive := models.RuleStatusInactive
	_, err := store.UpdateRule(ctx, low.ID, RulePatch{Status: &inactive}, "officer-1")
	require.NoError(t, err)

	active := store.GetRules("", models.RuleStatusActive)
	assert.Len(t, active, 2)
	assert.Len(t, store.GetRules("", models.RuleStatusInactive), 1)
}

func TestLoadRulesIsIdempotent(t *testing.T) {
	store, _, registry, _ := newTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		in := validInput(name)
		in.Priority = 3 - i
		_, err := store.CreateRule(ctx, in, "officer-1")
		require.NoError(t, err)
	}

	require.NoError(t, store.LoadRules(ctx))
	first := store.GetRules("", "")
	require.NoError(t, store.LoadRules(ctx))
	second := store.GetRules("", "")

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	for _, rule := range second {
		_, ok := registry.Get(rule.ID.String())
		assert.True(t, ok)
	}
}

func TestLoadRulesPropagatesRepoError(t *testing.T) {
	store, repo, _, _ := newTestStore(t)

	_, err := store.CreateRule(context.Background(), validInput("r"), "officer-1")
	require.NoError(t, err)

	repo.listErr = errors.New("connection refused")
	err = store.LoadRules(context.Background())
	require.Error(t, err)

	// cache untouched on failure
	assert.Len(t, store.GetRules("", ""), 1)
}

func TestCreateRuleRepoFailureSkipsCache(t *testing.T) {
	store, repo, _, _ := newTestStore(t)
	repo.createErr = errors.New("disk full")

	_, err := store.CreateRule(context.Background(), validInput("r"), "officer-1")
	require.Error(t, err)
	assert.Empty(t, store.GetRules("", ""))
}
