package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/pksingh99/jirban-jira/domain"
)

const boardPartition = "board"

// Storage keeps board definitions in Azure Tables and refresh requests in an
// Azure Queue.
type Storage struct {
	boards       *aztables.Client
	refreshQueue *azqueue.QueueClient
	now          func() time.Time
}

// New creates a Storage instance from the given connection string.
func New(connStr, boardsTable, refreshQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	rq, err := azqueue.NewQueueClientFromConnectionString(connStr, refreshQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{boards: svc.NewClient(boardsTable), refreshQueue: rq, now: time.Now}, nil
}

type boardEntity struct {
	aztables.Entity
	Name       string `json:"Name"`
	Definition string `json:"Definition"`
	UpdatedAt  string `json:"UpdatedAt"`
}

func encodeBoardEntity(key string, def domain.BoardDefinition, now time.Time) ([]byte, error) {
	doc, err := domain.MarshalDefinition(def)
	if err != nil {
		return nil, err
	}
	ent := boardEntity{
		Entity:     aztables.Entity{PartitionKey: boardPartition, RowKey: key},
		Name:       def.Name,
		Definition: string(doc),
		UpdatedAt:  now.UTC().Format(time.RFC3339Nano),
	}
	return sonic.Marshal(ent)
}

func decodeBoardEntity(data []byte) (domain.BoardDefinition, error) {
	var ent boardEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.BoardDefinition{}, err
	}
	def, err := domain.ParseDefinition([]byte(ent.Definition))
	if err != nil {
		return domain.BoardDefinition{}, err
	}
	if def.Key == "" {
		def.Key = ent.RowKey
	}
	return def, nil
}

// Load reads a board definition.
func (s *Storage) Load(ctx context.Context, boardKey string) (domain.BoardDefinition, error) {
	ent, err := s.boards.GetEntity(ctx, boardPartition, boardKey, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.BoardDefinition{}, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, boardKey)
		}
		return domain.BoardDefinition{}, err
	}
	return decodeBoardEntity(ent.Value)
}

// Save creates or replaces a board definition.
func (s *Storage) Save(ctx context.Context, boardKey string, def domain.BoardDefinition) error {
	payload, err := encodeBoardEntity(boardKey, def, s.now())
	if err == nil {
		_, err = s.boards.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	}
	return err
}

// ListBoards returns the keys of every stored board.
func (s *Storage) ListBoards(ctx context.Context) ([]string, error) {
	filter := "PartitionKey eq '" + boardPartition + "'"
	pager := s.boards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	keys := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent aztables.Entity
			if err := sonic.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			keys = append(keys, ent.RowKey)
		}
	}
	return keys, nil
}

// RefreshRequest asks for a board to be refreshed.
type RefreshRequest struct {
	Board string `json:"board"`
}

// RefreshMessage is a dequeued refresh request.
type RefreshMessage struct {
	RefreshRequest
	ID      string
	Receipt string
}

func decodeRefresh(text string) (RefreshRequest, error) {
	var req RefreshRequest
	if err := sonic.UnmarshalString(text, &req); err != nil {
		return req, err
	}
	req.Board = strings.TrimSpace(req.Board)
	if req.Board == "" {
		return req, errors.New("refresh request without board")
	}
	return req, nil
}

// EnqueueRefresh sends a refresh request for a board.
func (s *Storage) EnqueueRefresh(ctx context.Context, board string) error {
	data, err := sonic.MarshalString(RefreshRequest{Board: board})
	if err != nil {
		return err
	}
	_, err = s.refreshQueue.EnqueueMessage(ctx, data, nil)
	return err
}

// DequeueRefresh retrieves a single refresh request, or nil when the queue
// is empty. Malformed messages are returned with an error so the caller can
// drop them.
func (s *Storage) DequeueRefresh(ctx context.Context) (*RefreshMessage, error) {
	resp, err := s.refreshQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	msg := &RefreshMessage{}
	if m.MessageID != nil {
		msg.ID = *m.MessageID
	}
	if m.PopReceipt != nil {
		msg.Receipt = *m.PopReceipt
	}
	if m.MessageText == nil {
		return msg, errors.New("refresh message without body")
	}
	req, err := decodeRefresh(*m.MessageText)
	msg.RefreshRequest = req
	return msg, err
}

// DeleteRefresh removes a processed refresh request from the queue.
func (s *Storage) DeleteRefresh(ctx context.Context, msg *RefreshMessage) error {
	_, err := s.refreshQueue.DeleteMessage(ctx, msg.ID, msg.Receipt, nil)
	return err
}
