package offcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Control actions accepted by Controller.Dispatch.
const (
	ActionClearCache   = "CLEAR_CACHE"
	ActionGetCacheSize = "GET_CACHE_SIZE"
	ActionUpdateCache  = "UPDATE_CACHE"
)

// ErrUnknownAction is reported (never returned) for unrecognised actions.
var ErrUnknownAction = errors.New("Unknown action")

type ControlMessage struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type ControlReply struct {
	ID      string `json:"id,omitempty"`
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Controller administers the buckets on behalf of pages.
type Controller struct {
	svc *Service
	log *zap.Logger
}

func NewController(svc *Service, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{svc: svc, log: log}
}

// Dispatch runs one control message and returns its only reply. Failures,
// including panics, are turned into {success:false, error}.
func (c *Controller) Dispatch(ctx context.Context, msg ControlMessage) (reply ControlReply) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("control action panicked", zap.String("action", msg.Action), zap.Any("panic", r))
			reply = ControlReply{ID: msg.ID, Error: fmt.Sprint(r)}
		}
	}()

	var (
		data any
		err  error
	)
	switch msg.Action {
	case ActionClearCache:
		err = c.ClearAll(ctx)
	case ActionGetCacheSize:
		data, err = c.Sizes()
	case ActionUpdateCache:
		err = c.Update(ctx)
	default:
		err = ErrUnknownAction
	}

	if err != nil {
		c.log.Warn("control action failed", zap.String("id", msg.ID), zap.String("action", msg.Action), zap.Error(err))
		return ControlReply{ID: msg.ID, Error: err.Error()}
	}
	c.log.Info("control action", zap.String("id", msg.ID), zap.String("action", msg.Action))
	return ControlReply{ID: msg.ID, Success: true, Data: data}
}

// ClearAll deletes every bucket, whatever its version.
func (c *Controller) ClearAll(ctx context.Context) error {
	for _, name := range c.svc.store.Keys() {
		if _, err := c.svc.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete bucket %s: %w", name, err)
		}
	}
	return nil
}

// Sizes reports the entry count of every bucket in creation order.
func (c *Controller) Sizes() ([]BucketSize, error) {
	names := c.svc.store.Keys()
	out := make([]BucketSize, 0, len(names))
	for _, name := range names {
		n, err := c.svc.store.Bucket(name).Count()
		if err != nil {
			return nil, fmt.Errorf("count bucket %s: %w", name, err)
		}
		out = append(out, BucketSize{Name: name, Size: n})
	}
	return out, nil
}

// Update clears every bucket and re-populates the static one from the
// manifest.
func (c *Controller) Update(ctx context.Context) error {
	if err := c.ClearAll(ctx); err != nil {
		return err
	}
	return c.svc.populateStatic(ctx)
}
