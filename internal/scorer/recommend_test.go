package scorer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-cli/internal/model"
	"github.com/sells-group/catalog-cli/internal/store"
)

type mockLinks struct {
	mock.Mock
}

func (m *mockLinks) GetLinks(ctx context.Context, subjectID string) ([]model.Link, error) {
	args := m.Called(ctx, subjectID)
	links, _ := args.Get(0).([]model.Link)
	return links, args.Error(1)
}

func (m *mockLinks) GetListing(ctx context.Context, externalID string) (*model.ExternalListing, error) {
	args := m.Called(ctx, externalID)
	l, _ := args.Get(0).(*model.ExternalListing)
	return l, args.Error(1)
}

func TestRecommender_Recommend(t *testing.T) {
	ctx := context.Background()
	ml := new(mockLinks)
	ml.On("GetLinks", ctx, "r1").Return([]model.Link{
		{SubjectID: "r1", ExternalID: "B1", Confidence: 0.95},
		{SubjectID: "r1", ExternalID: "gone", Confidence: 0.8},
	}, nil).Once()
	ml.On("GetListing", ctx, "B1").Return(&model.ExternalListing{
		ExternalID: "B1",
		Metrics:    model.MetricsSnapshot{Price: f64(40), SalesRank: i(1200), OfferCount: 1},
	}, nil).Once()
	ml.On("GetListing", ctx, "gone").Return(nil, store.ErrNotFound).Once()

	r := NewRecommender(newTestEngine(t), ml)
	rec, err := r.Recommend(ctx, &model.CanonicalRecord{ID: "r1", Cost: f64(10)})
	require.NoError(t, err)
	assert.Equal(t, "B1", rec.ExternalID)
	assert.Equal(t, model.ActionBuy, rec.Action)
	ml.AssertExpectations(t)
}

func TestRecommender_LinkError(t *testing.T) {
	ctx := context.Background()
	ml := new(mockLinks)
	ml.On("GetLinks", ctx, "r1").Return(nil, errors.New("db down")).Once()

	_, err := NewRecommender(newTestEngine(t), ml).Recommend(ctx, &model.CanonicalRecord{ID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestRecommender_NoLinks(t *testing.T) {
	ctx := context.Background()
	ml := new(mockLinks)
	ml.On("GetLinks", ctx, "r1").Return([]model.Link{}, nil).Once()

	_, err := NewRecommender(newTestEngine(t), ml).Recommend(ctx, &model.CanonicalRecord{ID: "r1"})
	assert.ErrorIs(t, err, ErrNoScorableLink)
}
