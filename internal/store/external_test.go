package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func uniquePrefix() string {
	return fmt.Sprintf("t%d-", time.Now().UnixNano())
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("CHATROOM_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CHATROOM_TEST_DATABASE_URL not set")
	}

	s, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s, uniquePrefix())
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("CHATROOM_TEST_REDIS_URL")
	if url == "" {
		t.Skip("CHATROOM_TEST_REDIS_URL not set")
	}

	s, err := NewRedisStore(context.Background(), url)
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s, uniquePrefix())
}
