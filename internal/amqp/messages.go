package amqp

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DatasetRefreshedMessage announces that one or more datasets were replaced and serving
// processes should reload their snapshot.
type DatasetRefreshedMessage struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId,omitempty"`
	Datasets    []string  `json:"datasets"`
	GeneratedAt time.Time `json:"generatedAt"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewDatasetRefreshedMessage(runID string, datasets []string, generatedAt time.Time) *DatasetRefreshedMessage {
	return &DatasetRefreshedMessage{
		ID:          uuid.NewString(),
		RunID:       runID,
		Datasets:    datasets,
		GeneratedAt: generatedAt.UTC(),
		Timestamp:   time.Now().UTC(),
	}
}

func (m *DatasetRefreshedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// DatasetRefreshedMessageFromJSON decodes a message and rejects ones without datasets.
func DatasetRefreshedMessageFromJSON(data []byte) (*DatasetRefreshedMessage, error) {
	var msg DatasetRefreshedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if len(msg.Datasets) == 0 {
		return nil, fmt.Errorf("refresh message %q names no datasets", msg.ID)
	}
	return &msg, nil
}
