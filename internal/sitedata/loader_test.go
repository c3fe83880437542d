package sitedata

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// copyTestdata copies the fixtures into a fresh directory the test may modify.
func copyTestdata(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
	}
	return dir
}

func loaded(t *testing.T) *Loader {
	t.Helper()
	l := NewLoader("testdata", zaptest.NewLogger(t))
	require.NoError(t, l.Load())
	return l
}

func ids[T any](items []T, id func(T) int) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

func achievementID(a Achievement) int { return a.ID }

func TestLoadRequiresSiteData(t *testing.T) {
	l := NewLoader(t.TempDir(), nil)
	err := l.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, l.Loaded())
}

func TestLoadOptionalDocuments(t *testing.T) {
	l := NewLoader(copyTestdata(t, SiteDataFile), nil)
	require.NoError(t, l.Load())

	assert.True(t, l.Loaded())
	assert.Empty(t, l.Achievements("all"))
	assert.Empty(t, l.Search("en"))
	assert.Equal(t, map[string]int{}, l.Statistics())
}

func TestLoadRejectsMalformedDocument(t *testing.T) {
	dir := copyTestdata(t, SiteDataFile)
	require.NoError(t, os.WriteFile(filepath.Join(dir, AchievementsFile), []byte("{"), 0o644))

	err := NewLoader(dir, nil).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing")
}

func TestLab(t *testing.T) {
	_, ok := NewLoader("testdata", nil).Lab()
	assert.False(t, ok)

	lab, ok := loaded(t).Lab()
	require.True(t, ok)
	assert.Equal(t, "Emotion Lab", lab.Name)
	assert.Equal(t, "lab@example.edu", lab.Contact.Email)
}

func TestTeamMembersOrderedByOrderThenName(t *testing.T) {
	members := loaded(t).TeamMembers()
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	assert.Equal(t, []string{"Lin", "Chen", "Wei"}, names)
}

func TestNews(t *testing.T) {
	l := loaded(t)
	newsID := func(n News) int { return n.ID }

	assert.Equal(t, []int{2, 3, 1}, ids(l.AllNews(), newsID))
	assert.Equal(t, []int{2, 3}, ids(l.LatestNews(2), newsID))
	assert.Equal(t, []int{2, 3, 1}, ids(l.LatestNews(0), newsID))
}

func TestPartners(t *testing.T) {
	l := loaded(t)

	all := l.Partners("all")
	assert.Len(t, all.Universities, 1)
	assert.Len(t, all.Schools, 1)
	assert.Len(t, all.Companies, 2)
	assert.Equal(t, all, l.Partners("unknown"))

	companies := l.Partners("companies")
	assert.Nil(t, companies.Universities)
	assert.Nil(t, companies.Schools)
	assert.Equal(t, "Globex", companies.Companies[1].Name)
}

func TestAchievements(t *testing.T) {
	l := loaded(t)

	assert.Equal(t, []int{2, 3, 1, 4}, ids(l.Achievements(""), achievementID))
	assert.Equal(t, []int{3, 1}, ids(l.Achievements(TypeCompetition), achievementID))
	assert.Empty(t, l.Achievements("talk"))

	a, ok := l.Achievement(4)
	require.True(t, ok)
	assert.Equal(t, "情緒手環", a.Title)
	_, ok = l.Achievement(99)
	assert.False(t, ok)

	assert.Equal(t, map[string]int{"competitions": 2, "papers": 1, "awards": 1}, l.Statistics())
}

func TestFeaturedAchievements(t *testing.T) {
	l := loaded(t)
	assert.Equal(t, []int{2, 1, 4}, ids(l.FeaturedAchievements(0), achievementID))
	assert.Equal(t, []int{2, 1}, ids(l.FeaturedAchievements(2), achievementID))
}

func TestSearchAchievements(t *testing.T) {
	l := loaded(t)
	assert.Equal(t, []int{1}, ids(l.SearchAchievements("ROBOT"), achievementID))
	assert.Equal(t, []int{2}, ids(l.SearchAchievements(" paper "), achievementID))
	assert.Equal(t, []int{4}, ids(l.SearchAchievements("手環"), achievementID))
	assert.Empty(t, l.SearchAchievements("nothing like this"))
}

func TestSearchFiltersByLanguage(t *testing.T) {
	l := loaded(t)
	page := "page"
	lin := "Lin"

	want := []SearchEntry{
		{ID: "team", Title: "Team", Description: "People", Tags: []string{"people"}, Category: &page, URL: "/team"},
		{ID: "news-1", Title: "Opening", Tags: []string{}, Author: &lin, URL: "/news/1", Lang: "en"},
	}
	if diff := cmp.Diff(want, l.Search("en")); diff != "" {
		t.Fatalf("search mismatch (-want +got):\n%s", diff)
	}

	zh := l.Search("zh")
	require.Len(t, zh, 1)
	assert.Equal(t, "/zh/team", zh[0].URL)
	assert.Empty(t, l.Search("fr"))
}

func TestWatchReloadsChangedDocuments(t *testing.T) {
	dir := copyTestdata(t, SiteDataFile)
	l := NewLoader(dir, zaptest.NewLogger(t))
	require.NoError(t, l.Load())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	orig, err := os.ReadFile(filepath.Join(dir, SiteDataFile))
	require.NoError(t, err)
	renamed := []byte(strings.Replace(string(orig), "Emotion Lab", "Affect Lab", 1))

	// Rewrite until the watcher, which may not be registered yet, sees it.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(filepath.Join(dir, SiteDataFile), renamed, 0o644)
		lab, _ := l.Lab()
		return lab.Name == "Affect Lab"
	}, 5*time.Second, 50*time.Millisecond)

	// A broken document keeps the previous copy.
	require.NoError(t, os.WriteFile(filepath.Join(dir, SiteDataFile), []byte("{broken"), 0o644))
	time.Sleep(100 * time.Millisecond)
	lab, ok := l.Lab()
	require.True(t, ok)
	assert.Equal(t, "Affect Lab", lab.Name)
}
