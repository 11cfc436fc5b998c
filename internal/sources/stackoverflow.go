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

const stackExchangeAPI = "https://api.stackexchange.com/2.3"

// StackOverflowSource implements Stack Overflow API source
type StackOverflowSource struct {
	client  *resty.Client
	baseURL string
	tags    []string
	enabled bool
}

type stackOverflowResponse struct {
	Items []stackOverflowQuestion `json:"items"`
}

type stackOverflowQuestion struct {
	QuestionID int      `json:"question_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Tags       []string `json:"tags"`
	Owner      struct {
		UserID      int    `json:"user_id"`
		DisplayName string `json:"display_name"`
		Reputation  int    `json:"reputation"`
	} `json:"owner"`
	CreationDate int64  `json:"creation_date"`
	Score        int    `json:"score"`
	ViewCount    int    `json:"view_count"`
	AnswerCount  int    `json:"answer_count"`
	Link         string `json:"link"`
}

// NewStackOverflowSource creates a new Stack Overflow source. tags narrows
// searches; none searches the whole site.
func NewStackOverflowSource(enabled bool, tags []string) *StackOverflowSource {
	return &StackOverflowSource{
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "mention-pipeline/1.0"),
		baseURL: stackExchangeAPI,
		tags:    tags,
		enabled: enabled,
	}
}

func (s *StackOverflowSource) GetName() string {
	return "stackoverflow"
}

func (s *StackOverflowSource) IsEnabled() bool {
	return s.enabled // basic searches need no credentials
}

func (s *StackOverflowSource) FetchMentions(ctx context.Context, keywords []string, since time.Duration) ([]models.RawMention, error) {
	var all []models.RawMention
	var failed int

	for _, keyword := range keywords {
		mentions, err := s.searchKeyword(ctx, keyword, since)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			logrus.Errorf("Failed to search Stack Overflow for keyword '%s': %v", keyword, err)
			failed++
			continue
		}
		all = append(all, mentions...)
	}

	if failed > 0 && failed == len(keywords) {
		return nil, fmt.Errorf("all %d stack overflow searches failed", failed)
	}
	return uniqueByPost(all), nil
}

func (s *StackOverflowSource) searchKeyword(ctx context.Context, keyword string, since time.Duration) ([]models.RawMention, error) {
	params := map[string]string{
		"order":    "desc",
		"sort":     "creation",
		"q":        keyword,
		"site":     "stackoverflow",
		"fromdate": strconv.FormatInt(time.Now().Add(-since).Unix(), 10),
		"pagesize": "100",
		"filter":   "withbody",
	}
	if len(s.tags) > 0 {
		params["tagged"] = strings.Join(s.tags, ";")
	}

	var searchResp stackOverflowResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&searchResp).
		Get(s.baseURL + "/search/advanced")

	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("stack overflow API returned status %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	mentions := make([]models.RawMention, 0, len(searchResp.Items))
	for _, q := range searchResp.Items {
		title := html.UnescapeString(q.Title)
		body := html.UnescapeString(stripHTMLTags(q.Body))

		mentions = append(mentions, models.RawMention{
			Platform:       "stackoverflow",
			PlatformPostID: strconv.Itoa(q.QuestionID),
			Author: models.Author{
				ID:       strconv.Itoa(q.Owner.UserID),
				Username: q.Owner.DisplayName,
			},
			Content:     strings.TrimSpace(title + "\n" + body),
			Language:    "en",
			PostType:    "post",
			URL:         q.Link,
			Hashtags:    q.Tags,
			PublishedAt: time.Unix(q.CreationDate, 0).UTC(),
			Engagement: models.Engagement{
				Likes:    q.Score,
				Comments: q.AnswerCount,
				Views:    q.ViewCount,
			},
		})
	}
	return mentions, nil
}

// stripHTMLTags flattens the HTML bodies the search APIs return.
func stripHTMLTags(content string) string {
	content = strings.ReplaceAll(content, "<p>", "\n")
	content = strings.ReplaceAll(content, "</p>", "\n")
	content = strings.ReplaceAll(content, "<br>", "\n")
	content = strings.ReplaceAll(content, "<br/>", "\n")
	content = strings.ReplaceAll(content, "<code>", "`")
	content = strings.ReplaceAll(content, "</code>", "`")

	for strings.Contains(content, "<") && strings.Contains(content, ">") {
		start := strings.Index(content, "<")
		end := strings.Index(content, ">")
		if start < end {
			content = content[:start] + content[end+1:]
		} else {
			break
		}
	}

	return strings.TrimSpace(content)
}

func uniqueByPost(mentions []models.RawMention) []models.RawMention {
	seen := make(map[string]bool)
	var unique []models.RawMention

	for _, m := range mentions {
		if !seen[m.PlatformPostID] {
			seen[m.PlatformPostID] = true
			unique = append(unique, m)
		}
	}

	return unique
}
