package upstream

import (
	"bytes"
	"context"
	"fmt"

	"txtax/internal/crosswalk"
)

// RelationshipClient downloads the national ZCTA-to-county relationship file.
type RelationshipClient struct {
	c         *Client
	fileURL   string
	stateFips string
}

func NewRelationshipClient(c *Client, fileURL, stateFips string) *RelationshipClient {
	return &RelationshipClient{c: c, fileURL: fileURL, stateFips: stateFips}
}

// FetchRows downloads the file and returns the rows for the configured state.
func (rc *RelationshipClient) FetchRows(ctx context.Context) ([]crosswalk.Row, error) {
	body, err := rc.c.get(ctx, SourceRelationship, rc.fileURL, nil)
	if err != nil {
		return nil, err
	}
	rows, err := crosswalk.ParseRelationshipFile(bytes.NewReader(body), rc.stateFips)
	if err != nil {
		return nil, &FetchError{Source: SourceRelationship, Err: fmt.Errorf("parse relationship file: %w", err)}
	}
	return rows, nil
}
