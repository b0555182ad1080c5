package doorman

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDiscordRejectsGreetingWithoutPlaceholder(t *testing.T) {
	config := DefaultConfig().Discord
	config.Greetings = []string{"Welcome to the server!"}

	_, err := newDiscord(config, nil, nil, testLogger())
	assert.ErrorContains(t, err, greetingMemberPlaceholder)
}

func TestNewDiscordDefaultGreetings(t *testing.T) {
	d, err := newDiscord(DefaultConfig().Discord, nil, nil, testLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultGreetings, d.greetings)
}

func TestRenderGreeting(t *testing.T) {
	d := &Discord{greetings: []string{"Hi [member], welcome!"}}
	member := &discordgo.Member{User: &discordgo.User{ID: "42"}}

	assert.Equal(t, "Hi <@42>, welcome!", d.renderGreeting(member))
}

func TestRenderGreetingPicksFromConfigured(t *testing.T) {
	greetings := []string{"a [member]", "b [member]", "c [member]"}
	d := &Discord{greetings: greetings}
	member := &discordgo.Member{User: &discordgo.User{ID: "42"}}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rendered := d.renderGreeting(member)
		assert.Contains(t, rendered, "<@42>")
		seen[rendered[:1]] = true
	}
	// With 100 draws from 3 templates, each should have come up.
	assert.Len(t, seen, len(greetings))
}

func TestGreetingEmbed(t *testing.T) {
	d := &Discord{}
	embed := d.greetingEmbed("hello there")
	assert.Equal(t, DefaultGreetingEmbedColor, embed.Color)
	assert.Equal(t, "hello there", embed.Description)
}

// TestGreetPostsToSystemChannel runs the full greeting flow against a
// fake API server, with the guild's system channel resolved from the
// gateway state cache.
func TestGreetPostsToSystemChannel(t *testing.T) {
	var mu sync.Mutex
	var messagePaths []string
	var messageBodies []string

	handler := http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			messagePaths = append(messagePaths, r.URL.Path)
			messageBodies = append(messageBodies, string(body))
			mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"999","channel_id":"chan1"}`))
		},
	)
	rest := newTestRequester(t, handler)

	config := DefaultConfig().Discord
	config.GreetDirectMessage = false
	d, err := newDiscord(config, rest, nil, testLogger())
	require.NoError(t, err)
	d.notifyMemberGreeted = make(chan string, 1)

	session := &discordgo.Session{State: discordgo.NewState()}
	require.NoError(
		t,
		session.State.GuildAdd(
			&discordgo.Guild{ID: "g1", SystemChannelID: "chan1"},
		),
	)

	event := &discordgo.GuildMemberAdd{
		Member: &discordgo.Member{
			GuildID: "g1",
			User:    &discordgo.User{ID: "u1", Username: "newcomer"},
		},
	}
	d.greet(context.Background(), session, event)

	select {
	case userID := <-d.notifyMemberGreeted:
		assert.Equal(t, "u1", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("member never greeted")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messagePaths, 1)
	assert.Equal(t, "/channels/chan1/messages", messagePaths[0])
	assert.Contains(t, messageBodies[0], "<@u1>")
	assert.Equal(t, int64(1), d.metricGreetings.Load())
}

// TestGreetSkipsOtherGuilds verifies the guild filter on the member add
// handler.
func TestGreetSkipsOtherGuilds(t *testing.T) {
	config := DefaultConfig().Discord
	config.GuildID = "home-guild"
	d, err := newDiscord(config, nil, nil, testLogger())
	require.NoError(t, err)
	d.notifyMemberGreeted = make(chan string, 1)

	handler := d.handlerGuildMemberAdd(context.Background())
	handler(
		nil, &discordgo.GuildMemberAdd{
			Member: &discordgo.Member{
				GuildID: "some-other-guild",
				User:    &discordgo.User{ID: "u1"},
			},
		},
	)

	select {
	case <-d.notifyMemberGreeted:
		t.Fatal("member from another guild should not be greeted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDefaultGreetingsContainPlaceholder(t *testing.T) {
	for _, greeting := range DefaultGreetings {
		assert.True(
			t,
			strings.Contains(greeting, greetingMemberPlaceholder),
			"greeting %q missing placeholder",
			greeting,
		)
	}
}
