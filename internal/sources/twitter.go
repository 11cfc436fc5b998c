package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

const twitterAPI = "https://api.twitter.com/2"

// TwitterSource implements Twitter/X API source
type TwitterSource struct {
	bearerToken string
	client      *resty.Client
	baseURL     string
}

type twitterSearchResponse struct {
	Data     []twitterTweet `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
}

type twitterTweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	AuthorID      string `json:"author_id"`
	CreatedAt     string `json:"created_at"`
	Lang          string `json:"lang"`
	PublicMetrics struct {
		RetweetCount    int `json:"retweet_count"`
		LikeCount       int `json:"like_count"`
		ReplyCount      int `json:"reply_count"`
		QuoteCount      int `json:"quote_count"`
		ImpressionCount int `json:"impression_count"`
	} `json:"public_metrics"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
	Entities struct {
		Hashtags []struct {
			Tag string `json:"tag"`
		} `json:"hashtags"`
	} `json:"entities"`
}

type twitterUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

// NewTwitterSource creates a new Twitter source. It is enabled when a bearer
// token is configured.
func NewTwitterSource(bearerToken string) *TwitterSource {
	return &TwitterSource{
		bearerToken: bearerToken,
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "mention-pipeline/1.0"),
		baseURL: twitterAPI,
	}
}

func (t *TwitterSource) GetName() string {
	return "twitter"
}

func (t *TwitterSource) IsEnabled() bool {
	return t.bearerToken != ""
}

// FetchMentions searches recent tweets for each keyword. Retweets are kept
// with post type "retweet" so monitors can opt out of them.
func (t *TwitterSource) FetchMentions(ctx context.Context, keywords []string, since time.Duration) ([]models.RawMention, error) {
	if !t.IsEnabled() {
		logrus.Debug("Twitter source disabled - missing bearer token")
		return nil, nil
	}

	start := time.Now().Add(-since).UTC()

	var all []models.RawMention
	var failed int
	for _, keyword := range keywords {
		mentions, err := t.searchKeyword(ctx, keyword, start)
		if err != nil {
			if ctx.Err() != nil {
				return all, ctx.Err()
			}
			logrus.Errorf("Failed to search Twitter for keyword '%s': %v", keyword, err)
			failed++
			continue
		}
		all = append(all, mentions...)
	}

	if failed > 0 && failed == len(keywords) {
		return nil, fmt.Errorf("all %d twitter searches failed", failed)
	}
	return uniqueByPost(all), nil
}

func (t *TwitterSource) searchKeyword(ctx context.Context, keyword string, start time.Time) ([]models.RawMention, error) {
	var result twitterSearchResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetAuthToken(t.bearerToken).
		SetQueryParams(map[string]string{
			"query":        fmt.Sprintf(`"%s"`, keyword),
			"start_time":   start.Format(time.RFC3339),
			"max_results":  "100",
			"tweet.fields": "created_at,author_id,lang,public_metrics,referenced_tweets,entities",
			"expansions":   "author_id",
			"user.fields":  "username,public_metrics",
		}).
		SetResult(&result).
		Get(t.baseURL + "/tweets/search/recent")

	if err != nil {
		return nil, err
	}

	// Rate limited: skip this keyword rather than block the other sources.
	if resp.StatusCode() == 429 {
		logrus.Warnf("Twitter rate limit hit for keyword '%s', resets at %s", keyword, resp.Header().Get("x-rate-limit-reset"))
		return nil, nil
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("twitter API returned status %d", resp.StatusCode())
	}

	users := make(map[string]twitterUser, len(result.Includes.Users))
	for _, u := range result.Includes.Users {
		users[u.ID] = u
	}

	mentions := make([]models.RawMention, 0, len(result.Data))
	for _, tweet := range result.Data {
		createdAt, err := time.Parse(time.RFC3339, tweet.CreatedAt)
		if err != nil {
			logrus.Warnf("Skipping tweet %s with bad timestamp: %v", tweet.ID, err)
			continue
		}
		mentions = append(mentions, tweet.toRaw(users[tweet.AuthorID], createdAt))
	}
	return mentions, nil
}

func (tweet twitterTweet) postType() string {
	postType := "post"
	for _, ref := range tweet.ReferencedTweets {
		switch ref.Type {
		case "retweeted":
			return "retweet"
		case "quoted":
			postType = "quote"
		case "replied_to":
			postType = "reply"
		}
	}
	return postType
}

func (tweet twitterTweet) toRaw(author twitterUser, createdAt time.Time) models.RawMention {
	var hashtags []string
	for _, h := range tweet.Entities.Hashtags {
		hashtags = append(hashtags, strings.ToLower(h.Tag))
	}

	username := author.Username
	if username == "" {
		username = tweet.AuthorID
	}

	return models.RawMention{
		Platform:       "twitter",
		PlatformPostID: tweet.ID,
		Author: models.Author{
			ID:            tweet.AuthorID,
			Username:      username,
			FollowerCount: author.PublicMetrics.FollowersCount,
		},
		Content:     tweet.Text,
		Language:    tweet.Lang,
		PostType:    tweet.postType(),
		URL:         "https://twitter.com/i/status/" + tweet.ID,
		Hashtags:    hashtags,
		PublishedAt: createdAt.UTC(),
		Engagement: models.Engagement{
			Likes:    tweet.PublicMetrics.LikeCount,
			Shares:   tweet.PublicMetrics.RetweetCount + tweet.PublicMetrics.QuoteCount,
			Comments: tweet.PublicMetrics.ReplyCount,
			Views:    tweet.PublicMetrics.ImpressionCount,
		},
	}
}
