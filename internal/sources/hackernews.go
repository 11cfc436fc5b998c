package sources

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

const hackerNewsAPI = "https://hn.algolia.com/api/v1"

// HackerNewsSource searches stories and comments through the Algolia
// Hacker News API.
type HackerNewsSource struct {
	client  *resty.Client
	baseURL string
	enabled bool
}

type hackerNewsSearch struct {
	Hits []hackerNewsHit `json:"hits"`
}

type hackerNewsHit struct {
	ObjectID    string   `json:"objectID"`
	Tags        []string `json:"_tags"`
	Author      string   `json:"author"`
	CreatedAtI  int64    `json:"created_at_i"`
	Title       string   `json:"title"`
	StoryText   string   `json:"story_text"`
	CommentText string   `json:"comment_text"`
	URL         string   `json:"url"`
	Points      int      `json:"points"`
	NumComments int      `json:"num_comments"`
}

// NewHackerNewsSource creates a new Hacker News source
func NewHackerNewsSource(enabled bool) *HackerNewsSource {
	return &HackerNewsSource{
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "mention-pipeline/1.0"),
		baseURL: hackerNewsAPI,
		enabled: enabled,
	}
}

func (h *HackerNewsSource) GetName() string {
	return "hackernews"
}

func (h *HackerNewsSource) IsEnabled() bool {
	return h.enabled // the API needs no credentials
}

func (h *HackerNewsSource) FetchMentions(ctx context.Context, keywords []string, since time.Duration) ([]models.RawMention, error) {
	cutoff := time.Now().Add(-since).Unix()

	var all []models.RawMention
	var failed int
	for _, keyword := range keywords {
		hits, err := h.search(ctx, keyword, cutoff)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			logrus.Errorf("Failed to search Hacker News for keyword '%s': %v", keyword, err)
			failed++
			continue
		}
		for _, hit := range hits {
			all = append(all, hit.toRaw())
		}
	}

	if failed > 0 && failed == len(keywords) {
		return nil, fmt.Errorf("all %d hacker news searches failed", failed)
	}
	return uniqueByPost(all), nil
}

func (h *HackerNewsSource) search(ctx context.Context, keyword string, cutoff int64) ([]hackerNewsHit, error) {
	var result hackerNewsSearch
	resp, err := h.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"query":          keyword,
			"tags":           "(story,comment)",
			"numericFilters": "created_at_i>" + strconv.FormatInt(cutoff, 10),
			"hitsPerPage":    "100",
		}).
		SetResult(&result).
		Get(h.baseURL + "/search_by_date")

	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("hacker news API returned status %d", resp.StatusCode())
	}
	return result.Hits, nil
}

func (hit hackerNewsHit) toRaw() models.RawMention {
	postType := "post"
	content := hit.Title
	if hit.StoryText != "" {
		content += "\n" + html.UnescapeString(stripHTMLTags(hit.StoryText))
	}
	for _, tag := range hit.Tags {
		if tag == "comment" {
			postType = "reply"
			content = html.UnescapeString(stripHTMLTags(hit.CommentText))
		}
	}

	url := hit.URL
	if url == "" {
		url = "https://news.ycombinator.com/item?id=" + hit.ObjectID
	}

	return models.RawMention{
		Platform:       "hackernews",
		PlatformPostID: hit.ObjectID,
		Author:         models.Author{ID: hit.Author, Username: hit.Author},
		Content:        strings.TrimSpace(content),
		Language:       "en",
		PostType:       postType,
		URL:            url,
		PublishedAt:    time.Unix(hit.CreatedAtI, 0).UTC(),
		Engagement: models.Engagement{
			Likes:    hit.Points,
			Comments: hit.NumComments,
		},
	}
}
