// Package sitedata loads the lab's JSON documents and answers the queries the
// site's pages make against them.
package sitedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	SiteDataFile     = "site-data.json"
	AchievementsFile = "achievements.json"
	SearchIndexFile  = "search-index.json"
)

// DefaultNewsLimit is used by LatestNews when limit is not positive.
const DefaultNewsLimit = 5

// featuredMarkers flag an award as a highlight (gold, best paper, top places).
var featuredMarkers = []string{"金牌", "gold", "best", "第一名", "第二名", "亞軍", "鈦金"}

// Loader holds the last successfully parsed copy of each document. Readers
// never observe a half-loaded state.
type Loader struct {
	dir string
	log *zap.Logger

	mu           sync.RWMutex
	site         *SiteData
	achievements *AchievementsData
	search       []SearchEntry
}

// NewLoader reads documents from dir (usually <site root>/data).
func NewLoader(dir string, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{dir: dir, log: log}
}

// Load reads every document. site-data.json is required; the others are
// optional and default to empty.
func (l *Loader) Load() error {
	var site SiteData
	if err := readJSON(filepath.Join(l.dir, SiteDataFile), &site); err != nil {
		return err
	}
	var ach AchievementsData
	if err := readJSON(filepath.Join(l.dir, AchievementsFile), &ach); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var search []SearchEntry
	if err := readJSON(filepath.Join(l.dir, SearchIndexFile), &search); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	l.mu.Lock()
	l.site = &site
	l.achievements = &ach
	l.search = search
	l.mu.Unlock()
	return nil
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Loaded reports whether site-data.json has been read.
func (l *Loader) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.site != nil
}

// Watch reloads the documents whenever a file in the data directory changes,
// until ctx is done. A failed reload keeps the previous copy. The watcher is
// released before Watch returns.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(l.dir); err != nil {
		return fmt.Errorf("watching %s: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isDocument(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := l.Load(); err != nil {
				l.log.Warn("reload failed", zap.String("file", ev.Name), zap.Error(err))
				continue
			}
			l.log.Info("site data reloaded", zap.String("file", filepath.Base(ev.Name)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.log.Warn("watch error", zap.Error(err))
		}
	}
}

func isDocument(path string) bool {
	switch filepath.Base(path) {
	case SiteDataFile, AchievementsFile, SearchIndexFile:
		return true
	}
	return false
}

func (l *Loader) Lab() (Lab, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.site == nil {
		return Lab{}, false
	}
	return l.site.Lab, true
}

// TeamMembers returns members by display order, then name.
func (l *Loader) TeamMembers() []TeamMember {
	l.mu.RLock()
	var members []TeamMember
	if l.site != nil {
		members = append(members, l.site.Lab.Team...)
	}
	l.mu.RUnlock()

	sort.SliceStable(members, func(i, j int) bool {
		if members[i].Order != members[j].Order {
			return members[i].Order < members[j].Order
		}
		return members[i].Name < members[j].Name
	})
	return members
}

// LatestNews returns up to limit items, newest first.
func (l *Loader) LatestNews(limit int) []News {
	if limit <= 0 {
		limit = DefaultNewsLimit
	}
	news := l.AllNews()
	if len(news) > limit {
		news = news[:limit]
	}
	return news
}

// AllNews returns every item, newest first. Dates are ISO so they sort as
// strings.
func (l *Loader) AllNews() []News {
	l.mu.RLock()
	var news []News
	if l.site != nil {
		news = append(news, l.site.Lab.News...)
	}
	l.mu.RUnlock()

	sort.SliceStable(news, func(i, j int) bool { return news[i].Date > news[j].Date })
	return news
}

// Partners returns one category ("universities", "schools", "companies"), or
// all of them for "all" and unknown categories.
func (l *Loader) Partners(category string) Partners {
	l.mu.RLock()
	var p Partners
	if l.site != nil {
		p = l.site.Lab.Partners
	}
	l.mu.RUnlock()

	switch category {
	case "universities":
		return Partners{Universities: p.Universities}
	case "schools":
		return Partners{Schools: p.Schools}
	case "companies":
		return Partners{Companies: p.Companies}
	default:
		return p
	}
}

// Achievements returns achievements of one type ("" or "all" for every
// type), newest first.
func (l *Loader) Achievements(typ string) []Achievement {
	l.mu.RLock()
	var all []Achievement
	if l.achievements != nil {
		all = append(all, l.achievements.Achievements...)
	}
	l.mu.RUnlock()

	out := all[:0]
	for _, a := range all {
		if typ == "" || typ == "all" || a.Type == typ {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out
}

func (l *Loader) Achievement(id int) (Achievement, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.achievements == nil {
		return Achievement{}, false
	}
	for _, a := range l.achievements.Achievements {
		if a.ID == id {
			return a, true
		}
	}
	return Achievement{}, false
}

func (l *Loader) Statistics() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[string]int{}
	if l.achievements != nil {
		for k, v := range l.achievements.Statistics {
			out[k] = v
		}
	}
	return out
}

// FeaturedAchievements returns up to limit highlighted awards.
func (l *Loader) FeaturedAchievements(limit int) []Achievement {
	var out []Achievement
	for _, a := range l.Achievements("all") {
		award := strings.ToLower(a.Award)
		for _, m := range featuredMarkers {
			if strings.Contains(award, m) {
				out = append(out, a)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SearchAchievements matches query case-insensitively against title, event
// name and award.
func (l *Loader) SearchAchievements(query string) []Achievement {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Achievement
	for _, a := range l.Achievements("all") {
		if strings.Contains(strings.ToLower(a.Title), q) ||
			strings.Contains(strings.ToLower(a.Name), q) ||
			strings.Contains(strings.ToLower(a.Award), q) {
			out = append(out, a)
		}
	}
	return out
}

// Search returns the search index entries written in lang. Entries without
// a lang are English.
func (l *Loader) Search(lang string) []SearchEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SearchEntry, 0, len(l.search))
	for _, e := range l.search {
		el := e.Lang
		if el == "" {
			el = "en"
		}
		if el != lang {
			continue
		}
		if e.Tags == nil {
			e.Tags = []string{}
		}
		out = append(out, e)
	}
	return out
}
