package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"txtax/internal/spending"
)

// SpendingClient pages the expenditure dataset through the Socrata SODA API.
type SpendingClient struct {
	c        *Client
	baseURL  string
	appToken string
}

var _ spending.RecordSource = (*SpendingClient)(nil)

func NewSpendingClient(c *Client, baseURL, appToken string) *SpendingClient {
	return &SpendingClient{c: c, baseURL: baseURL, appToken: appToken}
}

func (s *SpendingClient) pageURL(offset, limit int) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse spending URL: %w", err)
	}
	q := u.Query()
	q.Set("$limit", strconv.Itoa(limit))
	q.Set("$offset", strconv.Itoa(offset))
	q.Set("$where", "county IS NOT NULL")
	q.Set("$order", ":id")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FetchPage returns up to limit records starting at offset.
func (s *SpendingClient) FetchPage(ctx context.Context, offset, limit int) ([]spending.Record, error) {
	pageURL, err := s.pageURL(offset, limit)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if s.appToken != "" {
		header.Set("X-App-Token", s.appToken)
	}

	body, err := s.c.get(ctx, SourceSpending, pageURL, header)
	if err != nil {
		return nil, err
	}

	var records []spending.Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, &FetchError{Source: SourceSpending, Err: fmt.Errorf("decode page at offset %d: %w", offset, err)}
	}
	return records, nil
}
