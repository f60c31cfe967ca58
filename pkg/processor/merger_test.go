package processor

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	dcerrors "github.com/matvik19/duplicate-contacts/pkg/errors"
	"github.com/matvik19/duplicate-contacts/pkg/logger"
	"github.com/matvik19/duplicate-contacts/pkg/merging"
	"github.com/matvik19/duplicate-contacts/pkg/models"
	"github.com/matvik19/duplicate-contacts/pkg/redis"
)

type MockCRM struct {
	mock.Mock
}

func (m *MockCRM) ListContacts(ctx context.Context, subdomain, token string) ([]models.Contact, error) {
	args := m.Called(ctx, subdomain, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Contact), args.Error(1)
}

func (m *MockCRM) GetContact(ctx context.Context, subdomain, token string, id int64) (*models.Contact, error) {
	args := m.Called(ctx, subdomain, token, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Contact), args.Error(1)
}

func (m *MockCRM) MergeContacts(ctx context.Context, subdomain, token string, merge models.MergeRequest) (*models.MergeResponse, error) {
	args := m.Called(ctx, subdomain, token, merge)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MergeResponse), args.Error(1)
}

func (m *MockCRM) AddTags(ctx context.Context, subdomain, token string, contactID int64, tagIDs []int64, names ...string) error {
	args := m.Called(ctx, subdomain, token, contactID, tagIDs, names)
	return args.Error(0)
}

type MockMergeLogStore struct {
	mock.Mock
}

func (m *MockMergeLogStore) Insert(ctx context.Context, entry *models.MergeLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

type MockEmitter struct {
	mock.Mock
}

func (m *MockEmitter) ContactMerged(ctx context.Context, subdomain string, contactID int64, ids []int64, blockID int64) {
	m.Called(ctx, subdomain, contactID, ids, blockID)
}

type fakeLocker struct {
	held bool
	keys []string
}

func (l *fakeLocker) WithLock(_ context.Context, key string, _ time.Duration, fn func() error) error {
	l.keys = append(l.keys, key)
	if l.held {
		return redis.ErrLockNotAcquired
	}
	return fn()
}

var now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func contact(id int64, age time.Duration, phone string) models.Contact {
	return models.Contact{
		ID:        id,
		Name:      "contact",
		CreatedAt: now.Add(-age).Unix(),
		CustomFields: []models.CustomField{{
			FieldID: 100, FieldName: "Телефон", FieldCode: "PHONE",
			Values: []models.FieldValue{{Value: phone, EnumCode: "WORK"}},
		}},
	}
}

func ruleSet() *models.RuleSet {
	return &models.RuleSet{
		ID:            1,
		Subdomain:     "acme",
		MergeAll:      true,
		MergeIsActive: true,
		Blocks: []models.Block{{
			ID: 11, BlockID: 1,
			Fields: []models.BlockField{{FieldName: "Телефон"}},
		}},
	}
}

func newMerger(crm *MockCRM, logs *MockMergeLogStore, locker Locker, events EventEmitter) *Merger {
	m := NewMerger(crm, logs, locker, events, Config{LockTTL: time.Minute}, logger.Nop())
	m.now = func() time.Time { return now }
	return m
}

func mergeRequestFor(ids ...int64) any {
	return mock.MatchedBy(func(req models.MergeRequest) bool {
		got := req.Get(merging.KeyIDs)
		if len(got) != len(ids) {
			return false
		}
		for i, id := range ids {
			if got[i] != strconv.FormatInt(id, 10) {
				return false
			}
		}
		return true
	})
}

func TestMerger_MergeAll(t *testing.T) {
	ctx := context.Background()
	contacts := []models.Contact{
		contact(2, time.Hour, "8 999 111-22-33"),
		contact(1, 48*time.Hour, "79991112233"),
		contact(3, time.Hour, "79990000000"),
		contact(4, 2*time.Hour, "+7 999 000 00 00"),
	}

	t.Run("merges every group and continues past failures", func(t *testing.T) {
		crm := new(MockCRM)
		logs := new(MockMergeLogStore)
		events := new(MockEmitter)
		locker := &fakeLocker{}

		crm.On("ListContacts", mock.Anything, "acme", "tok").Return(contacts, nil)
		crm.On("MergeContacts", mock.Anything, "acme", "tok", mergeRequestFor(1, 2)).
			Return(nil, dcerrors.NewRemoteServiceError("amocrm merge returned 400"))
		crm.On("MergeContacts", mock.Anything, "acme", "tok", mergeRequestFor(4, 3)).
			Return(&models.MergeResponse{}, nil)
		crm.On("AddTags", mock.Anything, "acme", "tok", int64(4), mock.Anything, []string{MergedTag}).Return(nil)
		events.On("ContactMerged", mock.Anything, "acme", int64(4), []int64{4, 3}, int64(11)).Return()

		results, err := newMerger(crm, logs, locker, events).MergeAll(ctx, ruleSet(), "tok")

		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, int64(4), results[0].ContactID)
		assert.Equal(t, []int64{4, 3}, results[0].MergedIDs)
		assert.Equal(t, []string{"merge:acme"}, locker.keys)

		crm.AssertExpectations(t)
		events.AssertExpectations(t)
		logs.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	})

	t.Run("excluded phone produces no merges", func(t *testing.T) {
		crm := new(MockCRM)
		rs := ruleSet()
		rs.Blocks[0].Fields[0].Exclusions = []models.Exclusion{{Value: "79991112233"}, {Value: "79990000000"}}

		crm.On("ListContacts", mock.Anything, "acme", "tok").Return(contacts, nil)

		results, err := newMerger(crm, new(MockMergeLogStore), nil, nil).MergeAll(ctx, rs, "tok")

		require.NoError(t, err)
		assert.Empty(t, results)
		crm.AssertNotCalled(t, "MergeContacts", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("listing failure is returned", func(t *testing.T) {
		crm := new(MockCRM)
		crm.On("ListContacts", mock.Anything, "acme", "tok").Return(nil, dcerrors.NewTransportError("503", nil))

		_, err := newMerger(crm, new(MockMergeLogStore), nil, nil).MergeAll(ctx, ruleSet(), "tok")

		assert.True(t, dcerrors.IsRetryable(err))
	})

	t.Run("bulk run already holding the tenant lock is skipped", func(t *testing.T) {
		crm := new(MockCRM)

		results, err := newMerger(crm, new(MockMergeLogStore), &fakeLocker{held: true}, nil).MergeAll(ctx, ruleSet(), "tok")

		require.NoError(t, err)
		assert.Empty(t, results)
		crm.AssertNotCalled(t, "ListContacts", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestMerger_MergeSingle(t *testing.T) {
	ctx := context.Background()
	target := contact(5, time.Hour, "89991112233")
	older := contact(6, 2*time.Hour, "79991112233")
	unrelated := contact(7, time.Hour, "79990000000")

	t.Run("merges, tags and logs the block", func(t *testing.T) {
		crm := new(MockCRM)
		logs := new(MockMergeLogStore)

		crm.On("GetContact", mock.Anything, "acme", "tok", int64(5)).Return(&target, nil)
		crm.On("ListContacts", mock.Anything, "acme", "tok").Return([]models.Contact{target, older, unrelated}, nil)
		crm.On("MergeContacts", mock.Anything, "acme", "tok", mergeRequestFor(6, 5)).Return(&models.MergeResponse{}, nil)
		crm.On("AddTags", mock.Anything, "acme", "tok", int64(6), mock.Anything, []string{MergedTag}).Return(nil)
		logs.On("Insert", mock.Anything, &models.MergeLog{Subdomain: "acme", BlockID: 11, ContactID: 6}).Return(nil)

		resp, err := newMerger(crm, logs, nil, nil).MergeSingle(ctx, ruleSet(), "tok", 5)

		require.NoError(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, int64(6), resp.ContactID)
		crm.AssertExpectations(t)
		logs.AssertExpectations(t)
	})

	t.Run("no duplicates is a no-op", func(t *testing.T) {
		crm := new(MockCRM)
		crm.On("GetContact", mock.Anything, "acme", "tok", int64(5)).Return(&target, nil)
		crm.On("ListContacts", mock.Anything, "acme", "tok").Return([]models.Contact{target, unrelated}, nil)

		resp, err := newMerger(crm, new(MockMergeLogStore), nil, nil).MergeSingle(ctx, ruleSet(), "tok", 5)

		require.NoError(t, err)
		assert.Nil(t, resp)
	})

	t.Run("failure is returned to the caller", func(t *testing.T) {
		crm := new(MockCRM)
		events := new(MockEmitter)
		crm.On("GetContact", mock.Anything, "acme", "tok", int64(5)).Return(&target, nil)
		crm.On("ListContacts", mock.Anything, "acme", "tok").Return([]models.Contact{target, older}, nil)
		crm.On("MergeContacts", mock.Anything, "acme", "tok", mock.Anything).Return(&models.MergeResponse{}, nil)
		crm.On("AddTags", mock.Anything, "acme", "tok", int64(6), mock.Anything, mock.Anything).
			Return(dcerrors.NewTransportError("429", nil))

		_, err := newMerger(crm, new(MockMergeLogStore), nil, events).MergeSingle(ctx, ruleSet(), "tok", 5)

		assert.True(t, dcerrors.IsRetryable(err))
		events.AssertNotCalled(t, "ContactMerged", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing contact is not found", func(t *testing.T) {
		crm := new(MockCRM)
		crm.On("GetContact", mock.Anything, "acme", "tok", int64(5)).Return(nil, dcerrors.NewNotFoundError("contact 5"))

		_, err := newMerger(crm, new(MockMergeLogStore), nil, nil).MergeSingle(ctx, ruleSet(), "tok", 5)

		assert.True(t, dcerrors.IsNotFound(err))
	})

	t.Run("merge log failure fails the merge", func(t *testing.T) {
		crm := new(MockCRM)
		logs := new(MockMergeLogStore)
		crm.On("GetContact", mock.Anything, "acme", "tok", int64(5)).Return(&target, nil)
		crm.On("ListContacts", mock.Anything, "acme", "tok").Return([]models.Contact{target, older}, nil)
		crm.On("MergeContacts", mock.Anything, "acme", "tok", mock.Anything).Return(&models.MergeResponse{}, nil)
		crm.On("AddTags", mock.Anything, "acme", "tok", int64(6), mock.Anything, mock.Anything).Return(nil)
		logs.On("Insert", mock.Anything, mock.Anything).Return(errors.New("connection reset"))

		_, err := newMerger(crm, logs, nil, nil).MergeSingle(ctx, ruleSet(), "tok", 5)

		assert.Error(t, err)
	})
	t.Run("tenant lock still held after the wait is a transport error", func(t *testing.T) {
		crm := new(MockCRM)
		locker := &fakeLocker{held: true}

		_, err := newMerger(crm, new(MockMergeLogStore), locker, nil).MergeSingle(ctx, ruleSet(), "tok", 5)

		assert.Equal(t, dcerrors.KindTransport, dcerrors.KindOf(err))
		assert.ErrorIs(t, err, redis.ErrLockNotAcquired)
		assert.Equal(t, []string{"merge:acme"}, locker.keys)
		crm.AssertNotCalled(t, "GetContact", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
