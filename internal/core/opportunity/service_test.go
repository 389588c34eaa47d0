package opportunity_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/linkforge/internal/core/job"
	"github.com/jinford/linkforge/internal/core/opportunity"
	"github.com/jinford/linkforge/internal/infra/memory"
	"github.com/jinford/linkforge/internal/platform/clock"
)

var technology = uuid.New()

type stubCampaigns struct {
	profile *opportunity.CampaignProfile
}

func (s *stubCampaigns) MatchProfile(_ context.Context, id uuid.UUID) (*opportunity.CampaignProfile, error) {
	p := *s.profile
	p.ID = id
	return &p, nil
}

func intPtr(v int) *int { return &v }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedOpportunity(t *testing.T, store *memory.Store, limit *int) *opportunity.Opportunity {
	t.Helper()
	o, err := store.UpsertOpportunity(context.Background(), &opportunity.Opportunity{
		ID:             uuid.New(),
		URL:            "https://blog.example.com/" + uuid.NewString(),
		Domain:         "blog.example.com",
		PA:             intPtr(40),
		DA:             intPtr(50),
		SiteType:       opportunity.SiteTypeBlog,
		Status:         opportunity.StatusActive,
		DailySiteLimit: limit,
		CategoryIDs:    []uuid.UUID{technology},
	})
	require.NoError(t, err)
	return o
}

// placeBacklink はジョブの成功経路を通してバックリンクを 1 件作成する
func placeBacklink(t *testing.T, store *memory.Store, campaignID, opportunityID uuid.UUID, at time.Time) {
	t.Helper()
	ctx := context.Background()
	j := &job.Job{
		ID:         uuid.New(),
		CampaignID: campaignID,
		TargetID:   uuid.New(),
		Action:     job.ActionComment,
		Status:     job.StatusQueued,
		CreatedAt:  at,
	}
	require.NoError(t, store.CreateJobs(ctx, []*job.Job{j}))

	token := job.NewLeaseToken("seed")
	claimed, err := store.ClaimJob(ctx, job.ClaimParams{WorkerID: "seed", Token: token, Now: at, StaleBefore: at.Add(-time.Hour)})
	require.NoError(t, err)
	require.True(t, claimed.IsPresent())
	claimedID := claimed.MustGet().ID

	_, err = store.StartJob(ctx, claimedID, token, at)
	require.NoError(t, err)
	_, err = store.PinOpportunity(ctx, claimedID, token, opportunityID, at)
	require.NoError(t, err)
	done, err := store.ApplySuccess(ctx, job.SuccessUpdate{
		JobID: claimedID,
		Token: token,
		At:    at,
		Backlink: &job.Backlink{
			ID:            uuid.New(),
			JobID:         claimedID,
			CampaignID:    campaignID,
			OpportunityID: &opportunityID,
			Status:        job.BacklinkSubmitted,
			CreatedAt:     at,
		},
	})
	require.NoError(t, err)
	require.True(t, done.IsPresent())
}

func newService(store *memory.Store, profile *opportunity.CampaignProfile, now time.Time) *opportunity.Service {
	return opportunity.NewService(store, &stubCampaigns{profile: profile},
		opportunity.WithServiceLogger(testLogger()),
		opportunity.WithServiceClock(clock.NewFake(now)),
	)
}

func techProfile() *opportunity.CampaignProfile {
	return &opportunity.CampaignProfile{
		Name:       "tech",
		CategoryID: &technology,
		Plan: opportunity.PlanLimits{
			MinPA:            20,
			MaxPA:            60,
			MinDA:            30,
			MaxDA:            70,
			AllowedSiteTypes: []opportunity.SiteType{opportunity.SiteTypeBlog},
		},
	}
}

func TestService_MatchForCampaign_DailySiteLimitUsesFreshCounts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	store := memory.New()

	full := seedOpportunity(t, store, intPtr(2))
	open := seedOpportunity(t, store, intPtr(2))
	otherCampaign := uuid.New()

	placeBacklink(t, store, otherCampaign, full.ID, now.Add(-time.Hour))
	placeBacklink(t, store, otherCampaign, full.ID, now.Add(-2*time.Hour))
	placeBacklink(t, store, otherCampaign, open.ID, now.Add(-time.Hour))
	// 前日のバックリンクは本日の件数に含めない
	placeBacklink(t, store, otherCampaign, open.ID, now.Add(-20*time.Hour))

	svc := newService(store, techProfile(), now)
	result, err := svc.MatchForCampaign(ctx, opportunity.MatchRequest{CampaignID: uuid.New(), Count: 10})
	require.NoError(t, err)

	require.Len(t, result.Opportunities, 1)
	assert.Equal(t, open.ID, result.Opportunities[0].ID)
	assert.Equal(t, 60, result.PlanLimits.MaxPA)
}

func TestService_MatchForCampaign_NoCategory(t *testing.T) {
	store := memory.New()
	seedOpportunity(t, store, nil)

	profile := techProfile()
	profile.CategoryID = nil

	svc := newService(store, profile, time.Now())
	_, err := svc.MatchForCampaign(context.Background(), opportunity.MatchRequest{CampaignID: uuid.New()})
	assert.ErrorIs(t, err, opportunity.ErrCategoryRequired)
}

func TestService_MatchForCampaign_CapsByRemainingBudget(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	store := memory.New()
	campaignID := uuid.New()

	for range 5 {
		seedOpportunity(t, store, nil)
	}
	used := seedOpportunity(t, store, nil)
	placeBacklink(t, store, campaignID, used.ID, now.Add(-time.Hour))
	placeBacklink(t, store, campaignID, used.ID, now.Add(-time.Hour))

	profile := techProfile()
	profile.DailyLimit = intPtr(5)

	svc := opportunity.NewService(store, &stubCampaigns{profile: profile},
		opportunity.WithServiceLogger(testLogger()),
		opportunity.WithServiceClock(clock.NewFake(now)),
	)
	result, err := svc.MatchForCampaign(ctx, opportunity.MatchRequest{CampaignID: campaignID, Count: 10})
	require.NoError(t, err)
	assert.Len(t, result.Opportunities, 3)

	profile.TotalLimit = intPtr(2)
	result, err = svc.MatchForCampaign(ctx, opportunity.MatchRequest{CampaignID: campaignID, Count: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Opportunities)
}

func TestService_ReserveAndSetStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	store := memory.New()
	o := seedOpportunity(t, store, nil)
	svc := newService(store, techProfile(), now)

	require.NoError(t, svc.Reserve(ctx, o.ID))
	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, got.LastUsedAt.Equal(now))

	banned, err := svc.SetStatus(ctx, o.ID, opportunity.StatusBanned)
	require.NoError(t, err)
	assert.Equal(t, opportunity.StatusBanned, banned.Status)

	_, err = svc.SetStatus(ctx, o.ID, opportunity.Status("archived"))
	assert.ErrorIs(t, err, opportunity.ErrInvalidStatus)

	result, err := svc.MatchForCampaign(ctx, opportunity.MatchRequest{CampaignID: uuid.New()})
	require.NoError(t, err)
	assert.Empty(t, result.Opportunities)
}

func TestService_Recheck(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	store := memory.New()
	campaignID := uuid.New()
	svc := newService(store, techProfile(), now)

	site := seedOpportunity(t, store, intPtr(1))
	got, ok, err := svc.Recheck(ctx, campaignID, site.ID, opportunity.SiteTypeBlog)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, site.ID, got.ID)

	t.Run("site at its daily limit", func(t *testing.T) {
		placeBacklink(t, store, uuid.New(), site.ID, now.Add(-time.Hour))
		_, ok, err := svc.Recheck(ctx, campaignID, site.ID, opportunity.SiteTypeBlog)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("banned site", func(t *testing.T) {
		other := seedOpportunity(t, store, nil)
		_, err := svc.SetStatus(ctx, other.ID, opportunity.StatusBanned)
		require.NoError(t, err)
		_, ok, err := svc.Recheck(ctx, campaignID, other.ID, opportunity.SiteTypeBlog)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("site type mismatch", func(t *testing.T) {
		other := seedOpportunity(t, store, nil)
		_, ok, err := svc.Recheck(ctx, campaignID, other.ID, opportunity.SiteTypeForum)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown site", func(t *testing.T) {
		_, _, err := svc.Recheck(ctx, campaignID, uuid.New(), opportunity.SiteTypeBlog)
		assert.ErrorIs(t, err, opportunity.ErrNotFound)
	})
}
