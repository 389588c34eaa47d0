package opportunity

import (
	"testing"
	"testing/quick"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	technology = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	finance    = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
)

func intPtr(v int) *int { return &v }

func techCampaign() *CampaignProfile {
	return &CampaignProfile{
		ID:         uuid.New(),
		Name:       "tech",
		CategoryID: &technology,
		Plan: PlanLimits{
			Name:             "standard",
			MinPA:            20,
			MaxPA:            60,
			MinDA:            30,
			MaxDA:            70,
			AllowedSiteTypes: []SiteType{SiteTypeBlog, SiteTypeForum},
		},
	}
}

func newOpportunity(pa, da *int, siteType SiteType, categories ...uuid.UUID) *Opportunity {
	return &Opportunity{
		ID:          uuid.New(),
		URL:         "https://example.com/" + uuid.NewString(),
		PA:          pa,
		DA:          da,
		SiteType:    siteType,
		Status:      StatusActive,
		CategoryIDs: categories,
	}
}

func TestMatch_TechnologyPAAndDARange(t *testing.T) {
	inRange := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	lowerBound := newOpportunity(intPtr(20), intPtr(30), SiteTypeForum, technology)
	upperBound := newOpportunity(intPtr(60), intPtr(70), SiteTypeBlog, technology)
	paTooHigh := newOpportunity(intPtr(61), intPtr(50), SiteTypeBlog, technology)
	daTooLow := newOpportunity(intPtr(40), intPtr(29), SiteTypeBlog, technology)
	nullPA := newOpportunity(nil, intPtr(50), SiteTypeBlog, technology)
	otherCategory := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, finance)
	wrongType := newOpportunity(intPtr(40), intPtr(50), SiteTypeWiki, technology)
	banned := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	banned.Status = StatusBanned

	candidates := []*Opportunity{inRange, lowerBound, upperBound, paTooHigh, daTooLow, nullPA, otherCategory, wrongType, banned}

	got, err := Match(candidates, MatchInput{Campaign: techCampaign(), Count: 10})
	require.NoError(t, err)
	assert.ElementsMatch(t, []*Opportunity{inRange, lowerBound, upperBound}, got)
}

func TestMatch_DailySiteLimit(t *testing.T) {
	limited := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	limited.DailySiteLimit = intPtr(2)
	almost := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	almost.DailySiteLimit = intPtr(2)
	unlimited := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)

	usage := map[uuid.UUID]int{
		limited.ID:   2,
		almost.ID:    1,
		unlimited.ID: 500,
	}

	got, err := Match([]*Opportunity{limited, almost, unlimited}, MatchInput{
		Campaign:   techCampaign(),
		Count:      10,
		UsageToday: usage,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []*Opportunity{almost, unlimited}, got)
}

func TestMatch_NoCategory(t *testing.T) {
	campaign := techCampaign()
	campaign.CategoryID = nil

	got, err := Match([]*Opportunity{newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)}, MatchInput{
		Campaign: campaign,
		Count:    10,
	})
	assert.ErrorIs(t, err, ErrCategoryRequired)
	assert.Nil(t, got)
}

func TestMatch_SubcategoryOnly(t *testing.T) {
	campaign := techCampaign()
	campaign.CategoryID = nil
	campaign.SubcategoryID = &finance

	o := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, finance)
	got, err := Match([]*Opportunity{o}, MatchInput{Campaign: campaign, Count: 1})
	require.NoError(t, err)
	assert.Equal(t, []*Opportunity{o}, got)
}

func TestMatch_LeastRecentlyUsedFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	older := now.Add(-2 * time.Hour)
	newer := now.Add(-time.Hour)

	neverUsed := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	usedLongAgo := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	usedLongAgo.LastUsedAt = &older
	usedRecently := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	usedRecently.LastUsedAt = &newer

	got, err := Match([]*Opportunity{usedRecently, usedLongAgo, neverUsed}, MatchInput{
		Campaign: techCampaign(),
		Count:    2,
	})
	require.NoError(t, err)
	assert.Equal(t, []*Opportunity{neverUsed, usedLongAgo}, got)
}

func TestMatch_ExplicitSiteTypeAndPerCampaignCap(t *testing.T) {
	campaign := techCampaign()
	campaign.PerSiteDailyLimit = intPtr(1)

	blog := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
	forum := newOpportunity(intPtr(40), intPtr(50), SiteTypeForum, technology)
	forumUsed := newOpportunity(intPtr(40), intPtr(50), SiteTypeForum, technology)

	got, err := Match([]*Opportunity{blog, forum, forumUsed, forum}, MatchInput{
		Campaign:           campaign,
		SiteType:           SiteTypeForum,
		Count:              10,
		CampaignUsageToday: map[uuid.UUID]int{forumUsed.ID: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []*Opportunity{forum}, got)
}

func TestMatch_RangeProperty(t *testing.T) {
	property := func(pa, da, minPA, spanPA, minDA, spanDA uint8) bool {
		campaign := techCampaign()
		campaign.Plan.MinPA = int(minPA % 101)
		campaign.Plan.MaxPA = campaign.Plan.MinPA + int(spanPA%50)
		campaign.Plan.MinDA = int(minDA % 101)
		campaign.Plan.MaxDA = campaign.Plan.MinDA + int(spanDA%50)

		o := newOpportunity(intPtr(int(pa%101)), intPtr(int(da%101)), SiteTypeBlog, technology)
		got, err := Match([]*Opportunity{o}, MatchInput{Campaign: campaign, Count: 1})
		if err != nil {
			return false
		}

		want := *o.PA >= campaign.Plan.MinPA && *o.PA <= campaign.Plan.MaxPA &&
			*o.DA >= campaign.Plan.MinDA && *o.DA <= campaign.Plan.MaxDA
		return (len(got) == 1) == want
	}
	require.NoError(t, quick.Check(property, nil))
}

func TestMatch_DailyLimitProperty(t *testing.T) {
	property := func(limit, used uint8) bool {
		o := newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
		o.DailySiteLimit = intPtr(int(limit % 20))

		got, err := Match([]*Opportunity{o}, MatchInput{
			Campaign:   techCampaign(),
			Count:      1,
			UsageToday: map[uuid.UUID]int{o.ID: int(used % 20)},
		})
		if err != nil {
			return false
		}
		return (len(got) == 1) == (int(used%20) < int(limit%20))
	}
	require.NoError(t, quick.Check(property, nil))
}

func TestMatch_NeverExceedsCount(t *testing.T) {
	property := func(n, count uint8) bool {
		candidates := make([]*Opportunity, int(n%30))
		for i := range candidates {
			candidates[i] = newOpportunity(intPtr(40), intPtr(50), SiteTypeBlog, technology)
		}
		got, err := Match(candidates, MatchInput{Campaign: techCampaign(), Count: int(count % 40)})
		if err != nil {
			return false
		}
		return len(got) == min(len(candidates), int(count%40))
	}
	require.NoError(t, quick.Check(property, nil))
}
