package qstash

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RebuildNotifier publishes context-rebuilt events to a webhook destination.
// It satisfies the cache's Notifier interface.
type RebuildNotifier struct {
	client      *Client
	destination string
}

func NewRebuildNotifier(client *Client, destination string) (*RebuildNotifier, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, errors.New("notifier destination is required")
	}
	return &RebuildNotifier{client: client, destination: destination}, nil
}

type rebuildEvent struct {
	Event    string    `json:"event"`
	EntityID string    `json:"entity_id"`
	Version  string    `json:"version"`
	At       time.Time `json:"at"`
}

func (n *RebuildNotifier) ContextRebuilt(ctx context.Context, entityID, version string) error {
	event := rebuildEvent{
		Event:    "context.rebuilt",
		EntityID: entityID,
		Version:  version,
		At:       time.Now().UTC(),
	}
	_, err := n.client.Publish(ctx, n.destination, event)
	return err
}
