package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
)

func TestUpsertFeedCustomTitlePreserved(t *testing.T) {
	db := openTestDB(t)

	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Source Title")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}
	if err := UpdateFeedTitle(context.Background(), db, feedID, "Custom Title"); err != nil {
		t.Fatalf("UpdateFeedTitle: %v", err)
	}
	if _, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Updated Source"); err != nil {
		t.Fatalf("UpsertFeed update: %v", err)
	}

	feeds, err := ListFeeds(context.Background(), db)
	if err != nil {
		t.Fatalf("ListFeeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("expected 1 feed, got %d", len(feeds))
	}
	if feeds[0].Title != "Custom Title" {
		t.Fatalf("expected custom title after refresh, got %q", feeds[0].Title)
	}
}

func TestUpdateFeedOrderPersistsListOrder(t *testing.T) {
	db := openTestDB(t)

	firstID, err := UpsertFeed(context.Background(), db, "http://example.com/first", "First")
	if err != nil {
		t.Fatalf("UpsertFeed first: %v", err)
	}
	secondID, err := UpsertFeed(context.Background(), db, "http://example.com/second", "Second")
	if err != nil {
		t.Fatalf("UpsertFeed second: %v", err)
	}
	thirdID, err := UpsertFeed(context.Background(), db, "http://example.com/third", "Third")
	if err != nil {
		t.Fatalf("UpsertFeed third: %v", err)
	}

	if err := UpdateFeedOrder(context.Background(), db, []int64{thirdID, firstID, secondID}); err != nil {
		t.Fatalf("UpdateFeedOrder: %v", err)
	}

	feeds, err := ListFeeds(context.Background(), db)
	if err != nil {
		t.Fatalf("ListFeeds: %v", err)
	}
	if len(feeds) != 3 {
		t.Fatalf("expected 3 feeds, got %d", len(feeds))
	}
	if feeds[0].ID != thirdID || feeds[1].ID != firstID || feeds[2].ID != secondID {
		t.Fatalf("unexpected feed order: got [%d %d %d]", feeds[0].ID, feeds[1].ID, feeds[2].ID)
	}
}

func TestInitAddsFeedSortOrderToExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`
CREATE TABLE feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	custom_title TEXT,
	created_at DATETIME NOT NULL,
	etag TEXT,
	last_modified TEXT,
	last_refreshed_at DATETIME,
	last_error TEXT,
	unchanged_count INTEGER NOT NULL DEFAULT 0,
	next_refresh_at DATETIME
)
`); err != nil {
		t.Fatalf("create legacy feeds table: %v", err)
	}

	now := time.Now().UTC()
	if _, err := db.Exec(
		`INSERT INTO feeds (url, title, created_at) VALUES (?, ?, ?), (?, ?, ?)`,
		"http://example.com/bravo", "Bravo", now,
		"http://example.com/alpha", "Alpha", now.Add(time.Second),
	); err != nil {
		t.Fatalf("insert legacy feeds: %v", err)
	}

	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}

	var hasSortOrder int
	if err := db.QueryRow(`
SELECT COUNT(*)
FROM pragma_table_info('feeds')
WHERE name = 'sort_order'
`).Scan(&hasSortOrder); err != nil {
		t.Fatalf("check sort_order column: %v", err)
	}
	if hasSortOrder != 1 {
		t.Fatalf("expected sort_order column to be added")
	}

	feeds, err := ListFeeds(context.Background(), db)
	if err != nil {
		t.Fatalf("ListFeeds: %v", err)
	}
	if len(feeds) != 2 {
		t.Fatalf("expected 2 feeds, got %d", len(feeds))
	}
	if feeds[0].Title != "Alpha" || feeds[1].Title != "Bravo" {
		t.Fatalf("expected legacy feeds to be initialized in title order, got %q then %q", feeds[0].Title, feeds[1].Title)
	}
}

func TestInitAddsFeedSiteColumnsToExistingSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec(`
CREATE TABLE feeds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	custom_title TEXT,
	sort_order INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	etag TEXT,
	last_modified TEXT,
	last_refreshed_at DATETIME,
	last_error TEXT,
	unchanged_count INTEGER NOT NULL DEFAULT 0,
	next_refresh_at DATETIME
)
`); err != nil {
		t.Fatalf("create legacy feeds table: %v", err)
	}

	if _, err := db.Exec(
		`INSERT INTO feeds (url, title, sort_order, created_at) VALUES (?, ?, 1, ?)`,
		"http://example.com/rss", "Legacy", time.Now().UTC(),
	); err != nil {
		t.Fatalf("insert legacy feed: %v", err)
	}

	if err := Init(db); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, column := range []string{"home_page_url", "favicon_url"} {
		var present int
		if err := db.QueryRow(`
SELECT COUNT(*)
FROM pragma_table_info('feeds')
WHERE name = ?
`, column).Scan(&present); err != nil {
			t.Fatalf("check %s column: %v", column, err)
		}
		if present != 1 {
			t.Fatalf("expected %s column to be added", column)
		}
	}

	feeds, err := ListFeeds(context.Background(), db)
	if err != nil {
		t.Fatalf("ListFeeds: %v", err)
	}
	if len(feeds) != 1 {
		t.Fatalf("expected 1 feed, got %d", len(feeds))
	}
	if feeds[0].HasFavicon {
		t.Fatalf("expected migrated feed to have no favicon")
	}
}

func TestUpdateFeedSitePreservesExistingValues(t *testing.T) {
	db := openTestDB(t)

	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Feed")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}

	if err := UpdateFeedSite(context.Background(), db, feedID, "https://example.com/", "https://example.com/favicon.ico"); err != nil {
		t.Fatalf("UpdateFeedSite: %v", err)
	}
	if err := UpdateFeedSite(context.Background(), db, feedID, "https://example.com/news", ""); err != nil {
		t.Fatalf("UpdateFeedSite second: %v", err)
	}

	homePage, favicon, err := GetFeedSite(context.Background(), db, feedID)
	if err != nil {
		t.Fatalf("GetFeedSite: %v", err)
	}
	if homePage != "https://example.com/news" {
		t.Fatalf("expected updated home page, got %q", homePage)
	}
	if favicon != "https://example.com/favicon.ico" {
		t.Fatalf("expected favicon URL to survive empty update, got %q", favicon)
	}
}

func TestSaveFaviconAssociationUpsertsByHomePage(t *testing.T) {
	db := openTestDB(t)

	if err := SaveFaviconAssociation(context.Background(), db, "https://example.com/", "https://example.com/icon-v1.png"); err != nil {
		t.Fatalf("SaveFaviconAssociation: %v", err)
	}
	if err := SaveFaviconAssociation(context.Background(), db, "https://example.com/", "https://example.com/icon-v2.png"); err != nil {
		t.Fatalf("SaveFaviconAssociation update: %v", err)
	}
	if err := SaveFaviconAssociation(context.Background(), db, "", "https://example.com/ignored.png"); err != nil {
		t.Fatalf("SaveFaviconAssociation empty home page: %v", err)
	}

	associations, err := LoadFaviconAssociations(context.Background(), db)
	if err != nil {
		t.Fatalf("LoadFaviconAssociations: %v", err)
	}
	if len(associations) != 1 {
		t.Fatalf("expected 1 association, got %d", len(associations))
	}
	if associations["https://example.com/"] != "https://example.com/icon-v2.png" {
		t.Fatalf("expected latest favicon URL, got %q", associations["https://example.com/"])
	}
}

func TestFeedFaviconFallsBackToDiscoveredAssociation(t *testing.T) {
	db := openTestDB(t)

	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Feed")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}
	if err := UpdateFeedSite(context.Background(), db, feedID, "https://example.com/", ""); err != nil {
		t.Fatalf("UpdateFeedSite: %v", err)
	}
	if err := SaveFaviconAssociation(context.Background(), db, "https://example.com/", "https://example.com/discovered.ico"); err != nil {
		t.Fatalf("SaveFaviconAssociation: %v", err)
	}

	_, favicon, err := GetFeedSite(context.Background(), db, feedID)
	if err != nil {
		t.Fatalf("GetFeedSite: %v", err)
	}
	if favicon != "https://example.com/discovered.ico" {
		t.Fatalf("expected discovered favicon URL, got %q", favicon)
	}

	feed, err := GetFeed(context.Background(), db, feedID)
	if err != nil {
		t.Fatalf("GetFeed: %v", err)
	}
	if !feed.HasFavicon {
		t.Fatalf("expected feed view to report a favicon")
	}
	if feed.FaviconURL != "https://example.com/discovered.ico" {
		t.Fatalf("expected discovered favicon URL in feed view, got %q", feed.FaviconURL)
	}
}

func TestItemLimitAndTombstones(t *testing.T) {
	db := openTestDB(t)
	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Feed")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}

	base := time.Now().UTC().Add(-210 * time.Minute)
	items := make([]*gofeed.Item, 0, 210)
	for i := 0; i < 210; i++ {
		published := base.Add(time.Duration(i) * time.Minute)
		items = append(items, &gofeed.Item{
			Title:           fmt.Sprintf("Item %03d", i),
			Link:            fmt.Sprintf("http://example.com/%d", i),
			GUID:            fmt.Sprintf("guid-%03d", i),
			Description:     "<p>Summary</p>",
			PublishedParsed: &published,
		})
	}

	if _, err := UpsertItems(context.Background(), db, feedID, items); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}
	if err := EnforceItemLimit(context.Background(), db, feedID); err != nil {
		t.Fatalf("EnforceItemLimit: %v", err)
	}

	itemsInDB, err := ListItems(context.Background(), db, feedID)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(itemsInDB) != 200 {
		t.Fatalf("expected 200 items, got %d", len(itemsInDB))
	}

	for i := 0; i < 10; i++ {
		guid := fmt.Sprintf("guid-%03d", i)
		if existsByGUID(t, db, feedID, guid) {
			t.Fatalf("expected %s to be deleted", guid)
		}
		if !existsInTombstones(t, db, feedID, guid) {
			t.Fatalf("expected %s to be tombstoned", guid)
		}
	}
}

func TestSweepReadItems(t *testing.T) {
	db := openTestDB(t)

	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Sweep Feed")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}

	if _, err := UpsertItems(context.Background(), db, feedID, []*gofeed.Item{{
		Title:           "Keep me",
		Link:            "http://example.com/1",
		GUID:            "1",
		Description:     "<p>Summary</p>",
		PublishedParsed: timePtr(time.Now().Add(-time.Hour)),
	}, {
		Title:           "Sweep me A",
		Link:            "http://example.com/2",
		GUID:            "2",
		Description:     "<p>Summary</p>",
		PublishedParsed: timePtr(time.Now().Add(-2 * time.Hour)),
	}}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	now := time.Now().UTC()
	if _, err := db.Exec("UPDATE items SET read_at = ? WHERE feed_id = ? AND guid = ?", now, feedID, "2"); err != nil {
		t.Fatalf("set read_at: %v", err)
	}

	deleted, err := SweepReadItems(context.Background(), db, feedID)
	if err != nil {
		t.Fatalf("SweepReadItems: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted item, got %d", deleted)
	}
	if existsByGUID(t, db, feedID, "2") {
		t.Fatalf("expected read item to be deleted")
	}
	if !existsInTombstones(t, db, feedID, "2") {
		t.Fatalf("expected deleted item to be tombstoned")
	}
}

func TestCleanupReadItems(t *testing.T) {
	db := openTestDB(t)

	feedID, err := UpsertFeed(context.Background(), db, "http://example.com/rss", "Cleanup Feed")
	if err != nil {
		t.Fatalf("UpsertFeed: %v", err)
	}

	if _, err := UpsertItems(context.Background(), db, feedID, []*gofeed.Item{{
		Title:           "Old Read",
		Link:            "http://example.com/old",
		GUID:            "old",
		Description:     "<p>Summary</p>",
		PublishedParsed: timePtr(time.Now().Add(-2 * time.Hour)),
	}}); err != nil {
		t.Fatalf("UpsertItems: %v", err)
	}

	past := time.Now().UTC().Add(-31 * time.Minute)
	if _, err := db.Exec("UPDATE items SET read_at = ? WHERE feed_id = ? AND guid = ?", past, feedID, "old"); err != nil {
		t.Fatalf("set read_at: %v", err)
	}

	if err := CleanupReadItems(db); err != nil {
		t.Fatalf("CleanupReadItems: %v", err)
	}
	if existsByGUID(t, db, feedID, "old") {
		t.Fatalf("expected old read item to be deleted")
	}
	if !existsInTombstones(t, db, feedID, "old") {
		t.Fatalf("expected old read item to be tombstoned")
	}
}

func existsByGUID(t *testing.T, db *sql.DB, feedID int64, guid string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow(`
SELECT COUNT(*)
FROM items
WHERE feed_id = ? AND guid = ?
`, feedID, guid).Scan(&count); err != nil {
		t.Fatalf("existsByGUID: %v", err)
	}
	return count > 0
}

func existsInTombstones(t *testing.T, db *sql.DB, feedID int64, guid string) bool {
	t.Helper()
	var count int
	if err := db.QueryRow(`
SELECT COUNT(*)
FROM tombstones
WHERE feed_id = ? AND guid = ?
`, feedID, guid).Scan(&count); err != nil {
		t.Fatalf("existsInTombstones: %v", err)
	}
	return count > 0
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Init(db); err != nil {
		_ = db.Close()
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func timePtr(tw time.Time) *time.Time {
	return &tw
}
