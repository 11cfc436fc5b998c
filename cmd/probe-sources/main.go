package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/sources"
)

// probe-sources queries each built-in collector once and prints what came
// back, without submitting anything to the pipeline.
func main() {
	fmt.Println("Mention Pipeline - Source Connectivity Probe")
	fmt.Println(strings.Repeat("=", 44))

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	keywords := cfg.Collectors.Keywords
	if len(keywords) == 0 {
		keywords = []string{"kubernetes"}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("\nKeywords: %s, lookback: %s\n", strings.Join(keywords, ", "), cfg.Collectors.Lookback)
	fmt.Println(strings.Repeat("-", 44))

	// Keyless sources are probed regardless of their enabled flag; the
	// others only when credentials are configured.
	probe(ctx, sources.NewHackerNewsSource(true), keywords, cfg.Collectors.Lookback)
	probe(ctx, sources.NewStackOverflowSource(true, cfg.Collectors.StackOverflowTags), keywords, cfg.Collectors.Lookback)
	for _, source := range []sources.Source{
		sources.NewTwitterSource(cfg.Collectors.TwitterBearerToken),
		sources.NewRedditSource(cfg.Collectors.RedditClientID, cfg.Collectors.RedditClientSecret, cfg.Collectors.RedditSubreddits),
	} {
		if !source.IsEnabled() {
			fmt.Printf("%-14s SKIPPED (no credentials)\n", source.GetName())
			continue
		}
		probe(ctx, source, keywords, cfg.Collectors.Lookback)
	}
}

func probe(ctx context.Context, source sources.Source, keywords []string, lookback time.Duration) {
	fmt.Printf("%-14s ", source.GetName())

	started := time.Now()
	mentions, err := source.FetchMentions(ctx, keywords, lookback)
	if err != nil {
		fmt.Printf("ERROR after %s: %v\n", time.Since(started).Round(time.Millisecond), err)
		return
	}

	fmt.Printf("OK (%d mentions in %s)\n", len(mentions), time.Since(started).Round(time.Millisecond))
	if len(mentions) > 0 {
		sample := []rune(mentions[0].Content)
		if len(sample) > 80 {
			sample = append(sample[:77], []rune("...")...)
		}
		fmt.Printf("  sample: %q\n  url:    %s\n", string(sample), mentions[0].URL)
	}
}
