package doorman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// Requester executes REST requests against the Discord API on behalf of
// the rate limit scheduler, and feeds every response's headers back into
// it. All outbound REST traffic - including the greeter's messages -
// goes through here, from bucket worker goroutines.
type Requester struct {
	client    *http.Client
	limiter   *RateLimiter
	pacer     *rate.Limiter
	config    *RateLimitConfig
	token     string
	logger    *slog.Logger
	db        DBI
	userAgent string
}

// newRequester creates the REST transport. The limiter is attached
// afterward via setLimiter, since the two reference each other.
func newRequester(
	config *RateLimitConfig,
	token string,
	client *http.Client,
	db DBI,
	logger *slog.Logger,
) *Requester {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Requester{
		client:    client,
		config:    config,
		token:     token,
		db:        db,
		logger:    logger.With(loggerNameKey, "rest"),
		userAgent: config.UserAgent,
	}
	if config.RequestsPerSecond > 0 {
		r.pacer = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}
	return r
}

func (r *Requester) setLimiter(limiter *RateLimiter) {
	r.limiter = limiter
}

// Submit queues the request on its route's bucket. Fire-and-forget;
// register a completion callback on the request first if the outcome
// matters.
func (r *Requester) Submit(req *Request) error {
	return r.limiter.Enqueue(req)
}

// Execute runs the request synchronously and routes the response's rate
// limit headers back into the scheduler. A true return means a hard 429
// was hit and the request stays queued for retry.
func (r *Requester) Execute(req *Request) (bool, error) {
	if r.pacer != nil {
		if err := r.pacer.Wait(context.Background()); err != nil {
			return false, fmt.Errorf("request pacer: %w", err)
		}
	}

	route := req.route
	httpReq, err := http.NewRequest(
		route.Route().Method,
		r.config.BaseURL+route.Path(),
		bytes.NewReader(req.body),
	)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bot "+r.token)
	httpReq.Header.Set("User-Agent", r.userAgent)
	if len(req.body) > 0 {
		httpReq.Header.Set("Content-Type", req.contentType)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("executing %s: %w", route, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("reading response for %s: %w", route, err)
	}

	backoff := r.limiter.HandleResponse(route, resp.StatusCode, resp.Header)
	rateLimited := resp.StatusCode == http.StatusTooManyRequests

	r.record(req, resp, rateLimited)

	if rateLimited {
		r.logger.Debug(
			"request rate limited, will retry",
			"route", route.String(),
			"backoff_ms", backoff,
		)
		return true, nil
	}

	req.finish(
		&RestResponse{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       body,
		}, nil,
	)
	return false, nil
}

// record writes the audit log row for an executed request. Best-effort:
// failures are logged and otherwise ignored.
func (r *Requester) record(req *Request, resp *http.Response, rateLimited bool) {
	if r.db == nil {
		return
	}
	rec := &RequestRecord{
		Method:      req.route.Route().Method,
		Route:       req.route.Route().Path,
		Path:        req.route.Path(),
		Bucket:      resp.Header.Get(headerRateLimitBucket),
		StatusCode:  resp.StatusCode,
		RateLimited: rateLimited,
		Attempt:     req.Attempts(),
	}
	if _, err := r.db.Create(rec); err != nil {
		r.logger.Error("error recording request", tint.Err(err))
	}
}

// do submits a request built from the given payload and blocks until it
// completes, ctx is done, or the scheduler rejects it. Canceling ctx
// cancels the queued request.
func (r *Requester) do(
	ctx context.Context,
	route *CompiledRoute,
	payload any,
) (*RestResponse, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshaling payload for %s: %w", route, err)
		}
	}

	type result struct {
		resp *RestResponse
		err  error
	}
	resultCh := make(chan result, 1)

	req := NewRequest(route, body)
	req.OnComplete(
		func(resp *RestResponse, err error) {
			resultCh <- result{resp: resp, err: err}
		},
	)
	if err := r.Submit(req); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		req.Cancel()
		return nil, ctx.Err()
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.StatusCode >= http.StatusBadRequest {
			return res.resp, fmt.Errorf(
				"%s returned status %d: %s",
				route,
				res.resp.StatusCode,
				truncate(string(res.resp.Body), 256),
			)
		}
		return res.resp, nil
	}
}

// CreateMessage posts a message to the given channel through the rate
// limited scheduler.
func (r *Requester) CreateMessage(
	ctx context.Context,
	channelID string,
	message *discordgo.MessageSend,
) (*discordgo.Message, error) {
	route, err := routeCreateMessage.Compile(channelID)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, route, message)
	if err != nil {
		return nil, err
	}
	var created discordgo.Message
	if err = json.Unmarshal(resp.Body, &created); err != nil {
		return nil, fmt.Errorf("unmarshaling message: %w", err)
	}
	return &created, nil
}

// GetGuild fetches a guild by ID.
func (r *Requester) GetGuild(
	ctx context.Context,
	guildID string,
) (*discordgo.Guild, error) {
	route, err := routeGetGuild.Compile(guildID)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, route, nil)
	if err != nil {
		return nil, err
	}
	var guild discordgo.Guild
	if err = json.Unmarshal(resp.Body, &guild); err != nil {
		return nil, fmt.Errorf("unmarshaling guild: %w", err)
	}
	return &guild, nil
}

// GetChannel fetches a channel by ID.
func (r *Requester) GetChannel(
	ctx context.Context,
	channelID string,
) (*discordgo.Channel, error) {
	route, err := routeGetChannel.Compile(channelID)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, route, nil)
	if err != nil {
		return nil, err
	}
	var channel discordgo.Channel
	if err = json.Unmarshal(resp.Body, &channel); err != nil {
		return nil, fmt.Errorf("unmarshaling channel: %w", err)
	}
	return &channel, nil
}

// CreateDMChannel opens (or returns the existing) DM channel with the
// given user.
func (r *Requester) CreateDMChannel(
	ctx context.Context,
	userID string,
) (*discordgo.Channel, error) {
	route, err := routeCreateDM.Compile()
	if err != nil {
		return nil, err
	}
	payload := struct {
		RecipientID string `json:"recipient_id"`
	}{RecipientID: userID}

	resp, err := r.do(ctx, route, payload)
	if err != nil {
		return nil, err
	}
	var channel discordgo.Channel
	if err = json.Unmarshal(resp.Body, &channel); err != nil {
		return nil, fmt.Errorf("unmarshaling channel: %w", err)
	}
	return &channel, nil
}
