package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"txtax/internal/census"
)

var ErrMissingAPIKey = errors.New("census API key is required")

// CensusClient queries the ACS 5-year endpoint for one state.
type CensusClient struct {
	c         *Client
	baseURL   string
	apiKey    string
	stateFips string
}

func NewCensusClient(c *Client, baseURL, apiKey, stateFips string) *CensusClient {
	return &CensusClient{c: c, baseURL: baseURL, apiKey: apiKey, stateFips: stateFips}
}

func (cc *CensusClient) queryURL(vars []string, forClause, inClause string) (string, error) {
	u, err := url.Parse(cc.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse census URL: %w", err)
	}
	q := u.Query()
	q.Set("get", strings.Join(vars, ","))
	q.Set("for", forClause)
	if inClause != "" {
		q.Set("in", inClause)
	}
	q.Set("key", cc.apiKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (cc *CensusClient) fetchRows(ctx context.Context, vars []string, forClause, inClause string) ([][]string, error) {
	if strings.TrimSpace(cc.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	queryURL, err := cc.queryURL(vars, forClause, inClause)
	if err != nil {
		return nil, err
	}
	body, err := cc.c.get(ctx, SourceCensus, queryURL, nil)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &FetchError{Source: SourceCensus, Err: fmt.Errorf("decode response: %w", err)}
	}
	return rows, nil
}

// FetchCounties returns the county table, header row first.
func (cc *CensusClient) FetchCounties(ctx context.Context) ([][]string, error) {
	return cc.fetchRows(ctx,
		[]string{census.VarName, census.VarPopulation, census.VarIncome},
		"county:*", "state:"+cc.stateFips)
}

// FetchState returns the statewide row, header row first.
func (cc *CensusClient) FetchState(ctx context.Context) ([][]string, error) {
	return cc.fetchRows(ctx,
		[]string{census.VarIncome, census.VarPopulation},
		"state:"+cc.stateFips, "")
}
