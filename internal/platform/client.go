package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/labelport/labelport/internal/labeling"
)

const (
	maxResponseBytes = 256 << 20
	maxErrorBytes    = 4096
)

// APIError is a non-2xx answer from the GraphQL endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform request failed: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRetryable returns true for server errors (5xx).
// Client errors (4xx) are considered permanent.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500
}

// GraphQLError carries the errors array of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}

// HTTPClient is the GraphQL implementation of DataSource.
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query runs one GraphQL operation and decodes its "data" field into out.
// Every operation aliases its root field as "data".
func (c *HTTPClient) query(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "X-API-Key: "+c.apiKey)
	req.Header.Set("X-Request-Id", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: http request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var gr graphQLResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&gr); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}

	c.logger.Debug("graphql call",
		"operation", operation,
		"request_id", requestID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(gr.Errors) > 0 {
		msgs := make([]string, len(gr.Errors))
		for i, e := range gr.Errors {
			msgs[i] = e.Message
		}
		return &GraphQLError{Messages: msgs}
	}

	if len(gr.Data) == 0 || bytes.Equal(gr.Data, []byte("null")) {
		return fmt.Errorf("%s: response has no data", operation)
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(gr.Data, &envelope); err != nil {
		return fmt.Errorf("%s: decode data: %w", operation, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%s: decode data: %w", operation, err)
	}
	return nil
}

func (c *HTTPClient) Project(ctx context.Context, projectID string, fields []string) (*labeling.Project, error) {
	if len(fields) == 0 {
		fields = ProjectFields
	}
	q := fmt.Sprintf(`query projects($where: ProjectWhere!, $first: PageSize!, $skip: Int!) {
  data: projects(where: $where, first: $first, skip: $skip) { %s }
}`, BuildFragment(fields))

	var projects []labeling.Project
	vars := map[string]any{"where": map[string]any{"id": projectID}, "first": 1, "skip": 0}
	if err := c.query(ctx, "projects", q, vars, &projects); err != nil {
		return nil, err
	}
	if len(projects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return &projects[0], nil
}

func (c *HTTPClient) Jobs(ctx context.Context, projectID string) ([]labeling.Job, error) {
	p, err := c.Project(ctx, projectID, []string{"id", "jsonInterface"})
	if err != nil {
		return nil, err
	}
	return p.JSONInterface.Jobs, nil
}

func (c *HTTPClient) Assets(ctx context.Context, projectID string, where AssetWhere, fields []string, opts QueryOptions) iter.Seq2[labeling.Asset, error] {
	if len(fields) == 0 {
		fields = AssetFields
	}
	where.ProjectID = projectID
	q := fmt.Sprintf(`query assets($where: AssetWhere!, $first: PageSize!, $skip: Int!) {
  data: assets(where: $where, first: $first, skip: $skip) { %s }
}`, BuildFragment(fields))

	return Paginate(ctx, opts, func(ctx context.Context, first, skip int) ([]labeling.Asset, error) {
		var page []labeling.Asset
		vars := map[string]any{"where": where.Variables(), "first": first, "skip": skip}
		if err := c.query(ctx, "assets", q, vars, &page); err != nil {
			return nil, err
		}
		return page, nil
	})
}

func (c *HTTPClient) CountAssets(ctx context.Context, projectID string, where AssetWhere) (int, error) {
	where.ProjectID = projectID
	const q = `query countAssets($where: AssetWhere!) {
  data: countAssets(where: $where)
}`
	var n int
	if err := c.query(ctx, "countAssets", q, map[string]any{"where": where.Variables()}, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *HTTPClient) CloudStorageConnections(ctx context.Context, projectID string) ([]DataConnection, error) {
	const q = `query dataConnections($where: DataConnectionsWhere!, $first: PageSize!, $skip: Int!) {
  data: dataConnections(where: $where, first: $first, skip: $skip) { id dataIntegration { id platform } }
}`
	var out []DataConnection
	for conn, err := range Paginate(ctx, QueryOptions{}, func(ctx context.Context, first, skip int) ([]DataConnection, error) {
		var page []DataConnection
		vars := map[string]any{"where": map[string]any{"projectId": projectID}, "first": first, "skip": skip}
		if err := c.query(ctx, "dataConnections", q, vars, &page); err != nil {
			return nil, err
		}
		return page, nil
	}) {
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}
