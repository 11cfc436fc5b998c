package sources

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

const (
	redditAuthURL = "https://www.reddit.com/api/v1/access_token"
	redditAPI     = "https://oauth.reddit.com"
)

// RedditSource implements Reddit API source. Searches are limited to the
// configured subreddits, or run site-wide when none are set.
type RedditSource struct {
	clientID     string
	clientSecret string
	subreddits   []string
	client       *resty.Client
	authURL      string
	baseURL      string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type redditAuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type redditSearchResponse struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Subreddit   string  `json:"subreddit"`
	Permalink   string  `json:"permalink"`
	Created     float64 `json:"created_utc"`
	Score       int     `json:"score"`
	NumComments int     `json:"num_comments"`
	Crosspost   string  `json:"crosspost_parent"`
}

// NewRedditSource creates a new Reddit source
func NewRedditSource(clientID, clientSecret string, subreddits []string) *RedditSource {
	return &RedditSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		subreddits:   subreddits,
		client: resty.New().
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", "mention-pipeline/1.0"),
		authURL: redditAuthURL,
		baseURL: redditAPI,
	}
}

func (r *RedditSource) GetName() string {
	return "reddit"
}

func (r *RedditSource) IsEnabled() bool {
	return r.clientID != "" && r.clientSecret != ""
}

func (r *RedditSource) FetchMentions(ctx context.Context, keywords []string, since time.Duration) ([]models.RawMention, error) {
	if !r.IsEnabled() {
		logrus.Debug("Reddit source disabled - missing credentials")
		return nil, nil
	}

	token, err := r.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("reddit authentication failed: %w", err)
	}

	scopes := r.subreddits
	if len(scopes) == 0 {
		scopes = []string{""}
	}
	cutoff := time.Now().Add(-since)

	var all []models.RawMention
	var failed, searches int
	for _, keyword := range keywords {
		for _, subreddit := range scopes {
			searches++
			posts, err := r.search(ctx, token, subreddit, keyword)
			if err != nil {
				if ctx.Err() != nil {
					return all, ctx.Err()
				}
				logrus.Errorf("Failed to search Reddit %q for keyword '%s': %v", subreddit, keyword, err)
				failed++
				continue
			}
			for _, post := range posts {
				created := time.Unix(int64(post.Created), 0)
				if created.Before(cutoff) {
					continue
				}
				// Reddit search also matches on comments and flair; keep posts
				// whose own text names the keyword.
				if !strings.Contains(strings.ToLower(post.Title+" "+post.Selftext), strings.ToLower(keyword)) {
					continue
				}
				all = append(all, post.toRaw(created))
			}
		}
	}

	if failed > 0 && failed == searches {
		return nil, fmt.Errorf("all %d reddit searches failed", failed)
	}
	return uniqueByPost(all), nil
}

// token returns a cached application token, fetching a new one shortly
// before the old one expires.
func (r *RedditSource) token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.accessToken != "" && time.Now().Before(r.expiresAt) {
		return r.accessToken, nil
	}

	var auth redditAuthResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetBasicAuth(r.clientID, r.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&auth).
		Post(r.authURL)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != 200 || auth.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode())
	}

	r.accessToken = auth.AccessToken
	r.expiresAt = time.Now().Add(time.Duration(auth.ExpiresIn)*time.Second - time.Minute)
	return r.accessToken, nil
}

func (r *RedditSource) search(ctx context.Context, token, subreddit, keyword string) ([]redditPost, error) {
	endpoint := r.baseURL + "/search.json"
	params := map[string]string{"q": keyword, "sort": "new", "limit": "100"}
	if subreddit != "" {
		endpoint = fmt.Sprintf("%s/r/%s/search.json", r.baseURL, subreddit)
		params["restrict_sr"] = "1"
	}

	var result redditSearchResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(params).
		SetResult(&result).
		Get(endpoint)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == 401 {
		r.mu.Lock()
		r.accessToken = ""
		r.mu.Unlock()
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("reddit API returned status %d", resp.StatusCode())
	}

	posts := make([]redditPost, 0, len(result.Data.Children))
	for _, child := range result.Data.Children {
		posts = append(posts, child.Data)
	}
	return posts, nil
}

func (post redditPost) toRaw(created time.Time) models.RawMention {
	postType := "post"
	if post.Crosspost != "" {
		postType = "share"
	}

	content := post.Title
	if post.Selftext != "" {
		content += "\n" + post.Selftext
	}

	return models.RawMention{
		Platform:       "reddit",
		PlatformPostID: post.ID,
		Author:         models.Author{ID: post.Author, Username: post.Author},
		Content:        strings.TrimSpace(content),
		PostType:       postType,
		URL:            "https://www.reddit.com" + post.Permalink,
		PublishedAt:    created.UTC(),
		Engagement: models.Engagement{
			Likes:    post.Score,
			Comments: post.NumComments,
		},
	}
}
