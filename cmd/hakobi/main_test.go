package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/hakobi/internal/config"
)

func TestSourceFeed(t *testing.T) {
	tests := []struct {
		name     string
		feeds    []string
		pgListen bool
		want     string
	}{
		{"postgres with listen conn", []string{config.FeedPostgres, config.FeedRedis, config.FeedLocal}, true, config.FeedPostgres},
		{"postgres without listen conn falls to redis", []string{config.FeedPostgres, config.FeedRedis}, false, config.FeedRedis},
		{"redis beats local", []string{config.FeedLocal, config.FeedRedis}, true, config.FeedRedis},
		{"local alone", []string{config.FeedLocal}, false, config.FeedLocal},
		{"local not picked next to postgres", []string{config.FeedLocal, config.FeedPostgres}, true, config.FeedPostgres},
		{"kafka is never a source", []string{config.FeedKafka}, true, ""},
		{"postgres without listen and nothing else", []string{config.FeedPostgres, config.FeedKafka}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sourceFeed(tt.feeds, tt.pgListen))
		})
	}
}
