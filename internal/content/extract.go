// Package content normalizes raw feed entries into canonical content
// records and classifies them for delivery filtering.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"

	"github.com/tanoasia/feedrelay/internal/store"
	"github.com/tanoasia/feedrelay/internal/translate"
)

// quoteSelector matches the structural wrapper some feed renderers put
// around quoted posts. Its subtree is excluded from the body text and
// from translation input.
const quoteSelector = "div.rsshub-quote"

var (
	htmlTagRe    = regexp.MustCompile(`<[^>]*>`)
	lineBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
	whitespaceRe = regexp.MustCompile(`\n{3,}`)
)

// Fingerprint derives the stable dedup key for an entry from its GUID,
// falling back to the permalink. GUID hashing survives body edits and
// never collides on shared title prefixes.
func Fingerprint(item *gofeed.Item) string {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// Classification has the two facets the delivery filter needs, computed
// once per entry and shared across all destinations.
type Classification struct {
	// IsQuote is true when the entry wraps another post, detected via
	// the quote marker in its body.
	IsQuote bool
	// IsSelfRepost is true when the title indicates the author
	// reposting their own earlier content ("RT <author> ...").
	IsSelfRepost bool
}

// Classify inspects an entry's body and title. Pure; safe to call any
// number of times.
func Classify(item *gofeed.Item, authorID, authorName string) Classification {
	var c Classification

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(item.Description)); err == nil {
		c.IsQuote = doc.Find(quoteSelector).Length() > 0
	}

	title := strings.TrimSpace(item.Title)
	if rest, ok := strings.CutPrefix(title, "RT "); ok {
		rest = strings.TrimPrefix(rest, "@")
		if matchesAuthor(rest, authorID) || (authorName != "" && matchesAuthor(rest, authorName)) {
			c.IsSelfRepost = true
		}
	}

	return c
}

// matchesAuthor reports whether rest starts with name as a whole token,
// so author "alice" never matches "RT @alicey: ...".
func matchesAuthor(rest, name string) bool {
	tail, ok := strings.CutPrefix(rest, name)
	if !ok {
		return false
	}
	return tail == "" || strings.HasPrefix(tail, ":") || strings.HasPrefix(tail, " ")
}

// Extractor builds canonical content records from feed entries.
type Extractor struct {
	translator translate.Translator
	maxImages  int
	logger     *slog.Logger
}

// NewExtractor creates an extractor. A nil translator disables
// translation entirely.
func NewExtractor(translator translate.Translator, maxImages int, logger *slog.Logger) *Extractor {
	if maxImages <= 0 {
		maxImages = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		translator: translator,
		maxImages:  maxImages,
		logger:     logger,
	}
}

// Extract normalizes one entry. The only side effect is the translation
// call, made at most once and only when translateBody is set; a failing
// translation leaves TranslatedText empty and never fails the item.
// Persistence is the caller's responsibility.
func (e *Extractor) Extract(ctx context.Context, item *gofeed.Item, author store.Author, translateBody bool) store.Content {
	body := cleanBody(item.Description)

	var translated string
	if translateBody && e.translator != nil && body != "" {
		var err error
		translated, err = e.translator.Translate(ctx, body)
		if err != nil {
			e.logger.Warn("translation failed, delivering untranslated", "author", author.ID, "error", err)
			translated = ""
		}
	}

	return store.Content{
		Fingerprint:    Fingerprint(item),
		AuthorID:       author.ID,
		AuthorName:     author.DisplayName,
		PublishedAt:    publishedTime(item),
		Permalink:      item.Link,
		BodyText:       body,
		TranslatedText: translated,
		ImageURLs:      extractImages(item, e.maxImages),
	}
}

// cleanBody strips markup from an entry description. The quote-wrapper
// subtree is removed before stripping so quoted content never reaches
// the body text or the translation input.
func cleanBody(description string) string {
	raw := description
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(description)); err == nil {
		doc.Find(quoteSelector).Remove()
		if h, err := doc.Html(); err == nil {
			raw = h
		}
	}

	raw = lineBreakRe.ReplaceAllString(raw, "\n")
	text := htmlTagRe.ReplaceAllString(raw, "")
	text = html.UnescapeString(text)
	text = whitespaceRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// extractImages collects image URLs from media extensions, then
// enclosures, then inline img tags, deduplicating in first-seen order
// and capping at max.
func extractImages(item *gofeed.Item, max int) []string {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u == "" || seen[u] || len(urls) >= max {
			return
		}
		seen[u] = true
		urls = append(urls, u)
	}

	if media, ok := item.Extensions["media"]; ok {
		for _, ext := range media["content"] {
			if strings.HasPrefix(ext.Attrs["type"], "image/") || ext.Attrs["medium"] == "image" {
				add(ext.Attrs["url"])
			}
		}
	}

	for _, enc := range item.Enclosures {
		if strings.HasPrefix(enc.Type, "image/") {
			add(enc.URL)
		}
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(item.Description)); err == nil {
		doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
			src, _ := sel.Attr("src")
			add(src)
		})
	}

	return urls
}

func publishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
