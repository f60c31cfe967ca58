package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/matvik19/duplicate-contacts/pkg/broker"
	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/logger"
	"github.com/matvik19/duplicate-contacts/pkg/models"
)

type MockSettings struct{ mock.Mock }

func (m *MockSettings) Save(ctx context.Context, rs *models.RuleSet) error {
	return m.Called(ctx, rs).Error(0)
}

func (m *MockSettings) Get(ctx context.Context, subdomain string) (*models.RuleSet, bool, error) {
	args := m.Called(ctx, subdomain)
	rs, _ := args.Get(0).(*models.RuleSet)
	return rs, args.Bool(1), args.Error(2)
}

type MockTokens struct{ mock.Mock }

func (m *MockTokens) AccessToken(ctx context.Context, subdomain string) (string, error) {
	args := m.Called(ctx, subdomain)
	return args.String(0), args.Error(1)
}

type MockContactMerger struct{ mock.Mock }

func (m *MockContactMerger) MergeAll(ctx context.Context, rs *models.RuleSet, token string) ([]models.MergeResponse, error) {
	args := m.Called(ctx, rs, token)
	results, _ := args.Get(0).([]models.MergeResponse)
	return results, args.Error(1)
}

func (m *MockContactMerger) MergeSingle(ctx context.Context, rs *models.RuleSet, token string, contactID int64) (*models.MergeResponse, error) {
	args := m.Called(ctx, rs, token, contactID)
	result, _ := args.Get(0).(*models.MergeResponse)
	return result, args.Error(1)
}

type MockExclusions struct{ mock.Mock }

func (m *MockExclusions) Add(ctx context.Context, subdomain string, contactID int64) (int64, error) {
	args := m.Called(ctx, subdomain, contactID)
	return args.Get(0).(int64), args.Error(1)
}

type MockReplier struct{ mock.Mock }

func (m *MockReplier) Reply(ctx context.Context, replyTo, correlationID string, v any) error {
	return m.Called(ctx, replyTo, correlationID, v).Error(0)
}

type registry map[string]broker.HandlerFunc

func (r registry) Handle(queue string, h broker.HandlerFunc) { r[queue] = h }

type commandMocks struct {
	settings   *MockSettings
	tokens     *MockTokens
	merger     *MockContactMerger
	exclusions *MockExclusions
	replier    *MockReplier
}

func newCommandProcessor() (registry, commandMocks) {
	m := commandMocks{
		settings:   new(MockSettings),
		tokens:     new(MockTokens),
		merger:     new(MockContactMerger),
		exclusions: new(MockExclusions),
		replier:    new(MockReplier),
	}
	p := NewCommandProcessor(m.settings, m.tokens, m.merger, m.exclusions, m.replier, logger.Nop())
	r := registry{}
	p.Register(r)
	return r, m
}

func deliver(t *testing.T, r registry, queue, body string) error {
	t.Helper()
	h, ok := r[queue]
	require.True(t, ok, "queue %s not registered", queue)
	return h(context.Background(), broker.Message{Queue: queue, Body: []byte(body)})
}

func TestCommandProcessor_RegistersEveryQueue(t *testing.T) {
	r, _ := newCommandProcessor()
	for _, q := range models.WorkQueues {
		assert.Contains(t, r, q)
	}
}

func TestCommandProcessor_SaveSettings(t *testing.T) {
	r, m := newCommandProcessor()
	m.settings.On("Save", mock.Anything, mock.MatchedBy(func(rs *models.RuleSet) bool {
		return rs.Subdomain == "acme" && rs.MergeIsActive && len(rs.Blocks) == 1 &&
			rs.Blocks[0].BlockID == 1 && rs.Blocks[0].Fields[0].Exclusions[0].Value == "79991112233"
	})).Return(nil)

	err := deliver(t, r, models.QueueSaveSettings, `{
		"subdomain": "acme", "merge_all": true, "merge_is_active": true,
		"priority_fields": [{"field_name": "name", "action": true}],
		"blocks": [{"block_id": 1, "fields": [{"field_name": "Телефон", "exclusion_fields": [{"value": "79991112233"}]}]}]
	}`)

	require.NoError(t, err)
	m.settings.AssertExpectations(t)
}

func TestCommandProcessor_SaveSettings_DuplicateFieldNamesRejected(t *testing.T) {
	r, m := newCommandProcessor()

	err := deliver(t, r, models.QueueSaveSettings, `{
		"subdomain": "acme",
		"blocks": [{"block_id": 1, "fields": [{"field_name": "Телефон"}, {"field_name": "Телефон"}]}]
	}`)

	assert.Equal(t, dcerrors.KindValidation, dcerrors.KindOf(err))
	m.settings.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestCommandProcessor_SaveSettings_OverlongValuesRejected(t *testing.T) {
	long := strings.Repeat("7", 129)

	tests := []struct {
		name string
		body string
	}{
		{"exclusion value", `{"subdomain": "acme", "blocks": [{"block_id": 1, "fields": [{"field_name": "Телефон", "exclusion_fields": [{"value": "` + long + `"}]}]}]}`},
		{"block field name", `{"subdomain": "acme", "blocks": [{"block_id": 1, "fields": [{"field_name": "` + long + `"}]}]}`},
		{"priority field name", `{"subdomain": "acme", "priority_fields": [{"field_name": "` + long + `", "action": true}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, m := newCommandProcessor()

			err := deliver(t, r, models.QueueSaveSettings, tt.body)

			assert.Equal(t, dcerrors.KindValidation, dcerrors.KindOf(err))
			m.settings.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
		})
	}
}

func TestCommandProcessor_GetSettings(t *testing.T) {
	rs := &models.RuleSet{ID: 3, Subdomain: "acme"}

	t.Run("replies with the rule set", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(rs, true, nil)
		m.replier.On("Reply", mock.Anything, "reply-q", "corr-1", rs).Return(nil)

		err := deliver(t, r, models.QueueGetSettings, `{"subdomain":"acme","reply_to":"reply-q","correlation_id":"corr-1"}`)

		require.NoError(t, err)
		m.replier.AssertExpectations(t)
	})

	t.Run("without reply_to nothing is sent", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(rs, true, nil)

		require.NoError(t, deliver(t, r, models.QueueGetSettings, `{"subdomain":"acme"}`))
		m.replier.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing settings is not found", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(nil, false, nil)

		err := deliver(t, r, models.QueueGetSettings, `{"subdomain":"acme","reply_to":"q"}`)
		assert.True(t, dcerrors.IsNotFound(err))
	})

	t.Run("reply failure is retryable", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(rs, true, nil)
		m.replier.On("Reply", mock.Anything, "q", "", rs).Return(errors.New("channel closed"))

		err := deliver(t, r, models.QueueGetSettings, `{"subdomain":"acme","reply_to":"q"}`)
		assert.True(t, dcerrors.IsRetryable(err))
	})
}

func TestCommandProcessor_MergeAllContacts(t *testing.T) {
	active := &models.RuleSet{Subdomain: "acme", MergeIsActive: true}

	t.Run("merges with a fresh token", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(active, true, nil)
		m.tokens.On("AccessToken", mock.Anything, "acme").Return("tok", nil)
		m.merger.On("MergeAll", mock.Anything, active, "tok").Return([]models.MergeResponse{{ContactID: 1}}, nil)

		require.NoError(t, deliver(t, r, models.QueueMergeAllContacts, `{"subdomain":"acme"}`))
		m.merger.AssertExpectations(t)
	})

	t.Run("inactive settings are a no-op", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(&models.RuleSet{Subdomain: "acme"}, true, nil)

		require.NoError(t, deliver(t, r, models.QueueMergeAllContacts, `{"subdomain":"acme"}`))
		m.tokens.AssertNotCalled(t, "AccessToken", mock.Anything, mock.Anything)
	})

	t.Run("absent settings are a no-op", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(nil, false, nil)

		require.NoError(t, deliver(t, r, models.QueueMergeAllContacts, `{"subdomain":"acme"}`))
		m.merger.AssertNotCalled(t, "MergeAll", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("token failure is returned", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(active, true, nil)
		m.tokens.On("AccessToken", mock.Anything, "acme").Return("", dcerrors.NewTokenError("rpc timeout", nil))

		err := deliver(t, r, models.QueueMergeAllContacts, `{"subdomain":"acme"}`)
		assert.Equal(t, dcerrors.KindToken, dcerrors.KindOf(err))
	})
}

func TestCommandProcessor_MergeSingleContact(t *testing.T) {
	active := &models.RuleSet{Subdomain: "acme", MergeIsActive: true}

	t.Run("merges the contact", func(t *testing.T) {
		r, m := newCommandProcessor()
		m.settings.On("Get", mock.Anything, "acme").Return(active, true, nil)
		m.tokens.On("AccessToken", mock.Anything, "acme").Return("tok", nil)
		m.merger.On("MergeSingle", mock.Anything, active, "tok", int64(42)).Return(nil, nil)

		require.NoError(t, deliver(t, r, models.QueueMergeSingleContact, `{"subdomain":"acme","contact_id":42}`))
		m.merger.AssertExpectations(t)
	})

	t.Run("missing contact id is invalid", func(t *testing.T) {
		r, _ := newCommandProcessor()

		err := deliver(t, r, models.QueueMergeSingleContact, `{"subdomain":"acme"}`)
		assert.Equal(t, dcerrors.KindValidation, dcerrors.KindOf(err))
	})
}

func TestCommandProcessor_AddExclusion(t *testing.T) {
	r, m := newCommandProcessor()
	m.exclusions.On("Add", mock.Anything, "acme", int64(42)).Return(int64(2), nil)

	require.NoError(t, deliver(t, r, models.QueueAddExclusion, `{"subdomain":"acme","contact_id":42}`))
	m.exclusions.AssertExpectations(t)
}
