package doorman

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// greetingMemberPlaceholder is replaced in greeting templates with a
	// mention of the joining member.
	greetingMemberPlaceholder = "[member]"

	// greetTimeout bounds the REST calls made for a single member join.
	greetTimeout = time.Minute
)

// Discord owns the gateway connection and the bot's event handlers. The
// gateway is only used for receiving events and presence; everything
// sent to the REST API goes through the rate limited Requester.
type Discord struct {
	session             *discordgo.Session
	config              *DiscordConfig
	logger              *slog.Logger
	rest                *Requester
	db                  DBI
	connected           atomic.Bool
	metricConnects      atomic.Int64
	metricDisconnects   atomic.Int64
	metricGreetings     atomic.Int64
	removeHandlerFuncs  []func()
	greetings           []string
	notifyMemberGreeted chan string
}

// newDiscord initializes the Discord integration with the provided
// configuration.
func newDiscord(
	config *DiscordConfig,
	rest *Requester,
	db DBI,
	logger *slog.Logger,
) (*Discord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	greetings := config.Greetings
	if len(greetings) == 0 {
		greetings = DefaultGreetings
	}
	for _, greeting := range greetings {
		if !strings.Contains(greeting, greetingMemberPlaceholder) {
			return nil, fmt.Errorf(
				"greeting %q is missing the %s placeholder",
				greeting,
				greetingMemberPlaceholder,
			)
		}
	}

	return &Discord{
		config:             config,
		rest:               rest,
		db:                 db,
		logger:             logger.With(loggerNameKey, "discord"),
		greetings:          greetings,
		removeHandlerFuncs: []func(){},
	}, nil
}

// connect creates the gateway session, registers event handlers and
// opens the websocket connection.
func (d *Discord) connect(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = d.config.GatewayIntents
	d.session = session

	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		session.AddHandler(d.handlerReady(ctx)),
		session.AddHandler(d.handlerConnect()),
		session.AddHandler(d.handlerDisconnect()),
		session.AddHandler(d.handlerGuildMemberAdd(ctx)),
	)

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

// Close removes event handlers and closes the gateway connection.
func (d *Discord) Close() error {
	for _, removeHandler := range d.removeHandlerFuncs {
		removeHandler()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) handlerReady(ctx context.Context) func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.InfoContext(
			ctx,
			"ready",
			"username", r.User.Username,
			"session_id", r.SessionID,
			"guilds", len(r.Guilds),
		)
		if err := d.updatePresence(s); err != nil {
			d.logger.ErrorContext(ctx, "error setting presence", tint.Err(err))
		}
	}
}

// updatePresence sets the bot's online status and activity from config.
func (d *Discord) updatePresence(s *discordgo.Session) error {
	update := discordgo.UpdateStatusData{
		Status: d.config.Status,
	}
	if d.config.Activity != "" {
		update.Activities = []*discordgo.Activity{
			{
				Name: d.config.Activity,
				Type: discordgo.ActivityTypeGame,
			},
		}
	}
	return s.UpdateStatusComplex(update)
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	e *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.connected.Store(true)
		d.metricConnects.Add(1)
		d.logger.Info("connected to gateway")
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	e *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)
		d.logger.Warn("disconnected from gateway")
	}
}

func (d *Discord) handlerGuildMemberAdd(ctx context.Context) func(
	s *discordgo.Session,
	e *discordgo.GuildMemberAdd,
) {
	return func(s *discordgo.Session, e *discordgo.GuildMemberAdd) {
		if d.config.GuildID != "" && e.GuildID != d.config.GuildID {
			return
		}
		// Greeting runs two (possibly three) REST calls; don't hold up
		// the gateway event loop for them.
		go d.greet(ctx, s, e)
	}
}

// greet welcomes a joining member: an embed in the guild's system
// channel, and (optionally) the same greeting as a DM. Both are sent
// through the rate limited REST path.
func (d *Discord) greet(
	ctx context.Context,
	s *discordgo.Session,
	e *discordgo.GuildMemberAdd,
) {
	ctx, cancel := context.WithTimeout(ctx, greetTimeout)
	defer cancel()

	logger := d.logger.With(
		slog.Group(
			"member",
			"user_id", e.User.ID,
			"username", e.User.Username,
			"guild_id", e.GuildID,
		),
	)
	message := d.renderGreeting(e.Member)
	embed := d.greetingEmbed(message)

	channelID, err := d.systemChannelID(ctx, s, e.GuildID)
	if err != nil {
		logger.ErrorContext(ctx, "error finding system channel", tint.Err(err))
	}

	switch {
	case channelID == "":
		logger.WarnContext(ctx, "guild has no system channel, skipping greeting")
	default:
		if _, err = d.rest.CreateMessage(
			ctx,
			channelID,
			&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
		); err != nil {
			logger.ErrorContext(ctx, "error sending greeting", tint.Err(err))
		} else {
			d.metricGreetings.Add(1)
			d.recordGreeting(ctx, logger, e, channelID, message, false)
		}
	}

	if d.config.GreetDirectMessage {
		d.greetDirect(ctx, logger, e, embed, message)
	}

	if d.notifyMemberGreeted != nil {
		select {
		case d.notifyMemberGreeted <- e.User.ID:
		default:
		}
	}
}

// greetDirect opens a DM channel with the member and sends the greeting
// there.
func (d *Discord) greetDirect(
	ctx context.Context,
	logger *slog.Logger,
	e *discordgo.GuildMemberAdd,
	embed *discordgo.MessageEmbed,
	message string,
) {
	dmChannel, err := d.rest.CreateDMChannel(ctx, e.User.ID)
	if err != nil {
		logger.ErrorContext(ctx, "error opening DM channel", tint.Err(err))
		return
	}
	if _, err = d.rest.CreateMessage(
		ctx,
		dmChannel.ID,
		&discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}},
	); err != nil {
		logger.ErrorContext(ctx, "error sending DM greeting", tint.Err(err))
		return
	}
	d.recordGreeting(ctx, logger, e, dmChannel.ID, message, true)
}

// systemChannelID returns the guild's system channel, preferring the
// gateway state cache and falling back to a REST lookup.
func (d *Discord) systemChannelID(
	ctx context.Context,
	s *discordgo.Session,
	guildID string,
) (string, error) {
	if s != nil && s.State != nil {
		if guild, err := s.State.Guild(guildID); err == nil && guild != nil {
			return guild.SystemChannelID, nil
		}
	}
	guild, err := d.rest.GetGuild(ctx, guildID)
	if err != nil {
		return "", err
	}
	return guild.SystemChannelID, nil
}

// renderGreeting picks a random greeting template and substitutes the
// member mention.
func (d *Discord) renderGreeting(member *discordgo.Member) string {
	greeting := d.greetings[rand.Intn(len(d.greetings))]
	return strings.ReplaceAll(
		greeting,
		greetingMemberPlaceholder,
		member.Mention(),
	)
}

func (d *Discord) greetingEmbed(message string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Color:       DefaultGreetingEmbedColor,
		Description: message,
	}
}

func (d *Discord) recordGreeting(
	ctx context.Context,
	logger *slog.Logger,
	e *discordgo.GuildMemberAdd,
	channelID string,
	message string,
	directMessage bool,
) {
	if d.db == nil {
		return
	}
	if _, err := d.db.Create(
		&Greeting{
			GuildID:       e.GuildID,
			ChannelID:     channelID,
			UserID:        e.User.ID,
			Username:      e.User.Username,
			Message:       message,
			DirectMessage: directMessage,
		},
	); err != nil {
		logger.ErrorContext(ctx, "error recording greeting", tint.Err(err))
	}
}
