package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	restPrefix            = "/rest/v1/"
	incrementProcedure    = "rpc/increment_counter"
	defaultTimeout        = 15 * time.Second
	defaultRateLimit      = 10.0
	defaultRateBurst      = 5
	defaultMaxRetries     = 2
	defaultRetryInterval  = 200 * time.Millisecond
	likeLookupChunkSize   = 50
	likeLookupConcurrency = 4
	maxErrorBodyBytes     = 512
)

// ResourceConfig describes how a resource is read and who owns its rows.
type ResourceConfig struct {
	Select      string
	Order       string
	OwnerColumn string
}

const profileColumns = "id,anon_id,display_name,avatar_color,avatar_url,college,department"

// DefaultResources covers the tables the feeds read and write.
var DefaultResources = map[string]ResourceConfig{
	"posts": {
		Select:      "*,profiles:author_id(" + profileColumns + ")",
		Order:       "created_at.desc",
		OwnerColumn: "author_id",
	},
	"comments": {
		Select:      "*,profiles:author_id(" + profileColumns + ")",
		Order:       "created_at.asc",
		OwnerColumn: "author_id",
	},
	"notifications": {
		Select:      "*,actor:actor_id(display_name,avatar_url,avatar_color),posts:post_id(text,image_url)",
		Order:       "created_at.desc",
		OwnerColumn: "user_id",
	},
	"post_likes": {
		Select:      "*,posts:post_id(*,profiles:author_id(" + profileColumns + "))",
		Order:       "created_at.desc",
		OwnerColumn: "user_id",
	},
	"comment_likes": {Order: "created_at.desc", OwnerColumn: "user_id"},
	"reports":       {Order: "created_at.desc", OwnerColumn: "reporter_id"},
}

// TokenSource returns the bearer token of the current session, or "" when anonymous.
type TokenSource func(ctx context.Context) (string, error)

// RESTConfig configures a RESTSource.
type RESTConfig struct {
	BaseURL       string
	APIKey        string
	Tokens        TokenSource
	Resources     map[string]ResourceConfig
	Timeout       time.Duration
	RateLimit     float64
	RateBurst     int
	MaxRetries    int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *zap.Logger
}

// RESTSource talks to a PostgREST-style data API. Requests are rate limited
// and idempotent reads are retried on transport failures.
type RESTSource struct {
	baseURL       string
	apiKey        string
	tokens        TokenSource
	resources     map[string]ResourceConfig
	httpClient    *http.Client
	limiter       *rate.Limiter
	maxRetries    int
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewRESTSource validates cfg and constructs a RESTSource.
func NewRESTSource(cfg RESTConfig) (*RESTSource, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidArgument, cfg.BaseURL)
	}
	source := &RESTSource{
		baseURL:       strings.TrimSuffix(parsed.String(), "/"),
		apiKey:        cfg.APIKey,
		tokens:        cfg.Tokens,
		resources:     cfg.Resources,
		httpClient:    cfg.HTTPClient,
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
		logger:        cfg.Logger,
	}
	if source.resources == nil {
		source.resources = DefaultResources
	}
	if source.httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		source.httpClient = &http.Client{Timeout: timeout}
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateBurst := cfg.RateBurst
	if rateBurst <= 0 {
		rateBurst = defaultRateBurst
	}
	source.limiter = rate.NewLimiter(rate.Limit(rateLimit), rateBurst)
	if source.maxRetries == 0 {
		source.maxRetries = defaultMaxRetries
	}
	if source.retryInterval <= 0 {
		source.retryInterval = defaultRetryInterval
	}
	if source.logger == nil {
		source.logger = zap.NewNop()
	}
	return source, nil
}

// FetchPage reads limit rows starting at offset in the resource's configured order.
func (s *RESTSource) FetchPage(ctx context.Context, resource string, filter Filter, offset int, limit int) ([]Row, error) {
	if resource == "" || offset < 0 || limit <= 0 {
		return nil, newServiceError(opFetchPage, "invalid_argument", fmt.Errorf("%w: resource=%q offset=%d limit=%d", ErrInvalidArgument, resource, offset, limit))
	}
	config := s.resources[resource]
	query := url.Values{}
	query.Set("select", orDefault(config.Select, "*"))
	if config.Order != "" {
		query.Set("order", config.Order)
	}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))
	if !filter.IsZero() {
		query.Set(filter.Column, "eq."+filter.Value)
	}

	var rows []Row
	if err := s.request(ctx, http.MethodGet, resource, query, nil, "", &rows); err != nil {
		s.logError(opFetchPage, err, zap.String("resource", resource), zap.Int("offset", offset))
		return nil, newServiceError(opFetchPage, reasonFor(err), err)
	}
	return rows, nil
}

// Insert creates a row and returns its stored representation.
func (s *RESTSource) Insert(ctx context.Context, resource string, payload Row) (Row, error) {
	if resource == "" || len(payload) == 0 {
		return nil, newServiceError(opInsert, "invalid_argument", fmt.Errorf("%w: empty insert", ErrInvalidArgument))
	}
	query := url.Values{}
	query.Set("select", orDefault(s.resources[resource].Select, "*"))
	var rows []Row
	if err := s.request(ctx, http.MethodPost, resource, query, payload, "return=representation", &rows); err != nil {
		s.logError(opInsert, err, zap.String("resource", resource))
		return nil, newServiceError(opInsert, reasonFor(err), err)
	}
	if len(rows) == 0 {
		err := fmt.Errorf("%w: insert returned no row", ErrRejected)
		return nil, newServiceError(opInsert, "empty_response", err)
	}
	return rows[0], nil
}

// Update patches the row with id.
func (s *RESTSource) Update(ctx context.Context, resource string, id string, patch Row) error {
	if resource == "" || id == "" || len(patch) == 0 {
		return newServiceError(opUpdate, "invalid_argument", fmt.Errorf("%w: resource=%q id=%q", ErrInvalidArgument, resource, id))
	}
	query := url.Values{}
	query.Set("id", "eq."+id)
	if err := s.request(ctx, http.MethodPatch, resource, query, patch, "return=minimal", nil); err != nil {
		s.logError(opUpdate, err, zap.String("resource", resource), zap.String("record_id", id))
		return newServiceError(opUpdate, reasonFor(err), err)
	}
	return nil
}

// Delete removes the row with id owned by ownerID and reports how many rows went away.
func (s *RESTSource) Delete(ctx context.Context, resource string, id string, ownerID string) (int64, error) {
	if resource == "" || id == "" || ownerID == "" {
		return 0, newServiceError(opDelete, "invalid_argument", fmt.Errorf("%w: resource=%q id=%q", ErrInvalidArgument, resource, id))
	}
	query := url.Values{}
	query.Set("id", "eq."+id)
	query.Set(orDefault(s.resources[resource].OwnerColumn, "author_id"), "eq."+ownerID)
	query.Set("select", "id")
	var rows []Row
	if err := s.request(ctx, http.MethodDelete, resource, query, nil, "return=representation", &rows); err != nil {
		s.logError(opDelete, err, zap.String("resource", resource), zap.String("record_id", id))
		return 0, newServiceError(opDelete, reasonFor(err), err)
	}
	return int64(len(rows)), nil
}

type incrementRequest struct {
	Table  string `json:"target_table"`
	RowID  string `json:"row_id"`
	Column string `json:"counter"`
	Delta  int    `json:"delta"`
}

// Increment adds delta to column through the increment_counter procedure.
func (s *RESTSource) Increment(ctx context.Context, resource string, id string, column string, delta int) (int64, error) {
	if resource == "" || id == "" || column == "" {
		return 0, newServiceError(opIncrement, "invalid_argument", fmt.Errorf("%w: resource=%q id=%q column=%q", ErrInvalidArgument, resource, id, column))
	}
	var value json.Number
	body := incrementRequest{Table: resource, RowID: id, Column: column, Delta: delta}
	if err := s.request(ctx, http.MethodPost, incrementProcedure, nil, body, "", &value); err != nil {
		s.logError(opIncrement, err, zap.String("resource", resource), zap.String("record_id", id), zap.String("column", column))
		return 0, newServiceError(opIncrement, reasonFor(err), err)
	}
	counter, err := value.Int64()
	if err != nil {
		return 0, newServiceError(opIncrement, "decode_failed", fmt.Errorf("%w: counter %q", ErrRejected, value))
	}
	return counter, nil
}

// LikedIDs reports which of ids userID has liked. Lookups are chunked and run
// in parallel.
func (s *RESTSource) LikedIDs(ctx context.Context, resource string, column string, userID string, ids []string) (map[string]bool, error) {
	liked := make(map[string]bool, len(ids))
	if userID == "" || len(ids) == 0 {
		return liked, nil
	}
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(likeLookupConcurrency)
	for start := 0; start < len(ids); start += likeLookupChunkSize {
		chunk := ids[start:min(start+likeLookupChunkSize, len(ids))]
		group.Go(func() error {
			query := url.Values{}
			query.Set("select", column)
			query.Set("user_id", "eq."+userID)
			query.Set(column, "in.("+strings.Join(chunk, ",")+")")
			var rows []Row
			if err := s.request(groupCtx, http.MethodGet, resource, query, nil, "", &rows); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, row := range rows {
				if id, ok := row[column]; ok && id != nil {
					liked[fmt.Sprint(id)] = true
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		s.logError(opLikedIDs, err, zap.String("resource", resource), zap.Int("ids", len(ids)))
		return nil, newServiceError(opLikedIDs, reasonFor(err), err)
	}
	return liked, nil
}

func (s *RESTSource) request(ctx context.Context, method string, path string, query url.Values, body any, prefer string, target any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode body: %v", ErrRejected, err)
		}
		payload = encoded
	}
	endpoint := s.baseURL + restPrefix + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	attempt := func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: rate limiter: %v", ErrTransport, err))
		}
		responseBody, err := s.send(ctx, method, endpoint, payload, prefer)
		if err != nil {
			if errors.Is(err, ErrTransport) && ctx.Err() == nil {
				return err
			}
			return backoff.Permanent(err)
		}
		if target == nil || len(bytes.TrimSpace(responseBody)) == 0 {
			return nil
		}
		decoder := json.NewDecoder(bytes.NewReader(responseBody))
		decoder.UseNumber()
		if err := decoder.Decode(target); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", ErrRejected, err))
		}
		return nil
	}

	if method != http.MethodGet || s.maxRetries < 0 {
		err := attempt()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	return backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.maxRetries)), ctx))
}

func (s *RESTSource) send(ctx context.Context, method string, endpoint string, payload []byte, prefer string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrRejected, err)
	}
	bearer := s.apiKey
	if s.tokens != nil {
		token, tokenErr := s.tokens(ctx)
		if tokenErr != nil {
			return nil, fmt.Errorf("%w: access token: %v", ErrUnauthorized, tokenErr)
		}
		if token != "" {
			bearer = token
		}
	}
	if s.apiKey != "" {
		request.Header.Set("apikey", s.apiKey)
	}
	if bearer != "" {
		request.Header.Set("Authorization", "Bearer "+bearer)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		request.Header.Set("Prefer", prefer)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer response.Body.Close()
	responseBody, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	switch {
	case response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnauthorized, response.StatusCode, truncate(responseBody))
	case response.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %w: status %d: %s", ErrRejected, ErrConflict, response.StatusCode, truncate(responseBody))
	case response.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransport, response.StatusCode, truncate(responseBody))
	case response.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, response.StatusCode, truncate(responseBody))
	}
	return responseBody, nil
}

func (s *RESTSource) logError(operation string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reasonFor(err)),
		zap.Error(err),
	}, fields...)
	s.logger.Warn("data api request failed", allFields...)
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrRejected):
		return "rejected"
	default:
		return "failed"
	}
}

func truncate(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBodyBytes {
		return text[:maxErrorBodyBytes]
	}
	return text
}

func orDefault(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
