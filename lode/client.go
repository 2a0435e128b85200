package lode

import (
	"context"
	"errors"
	"sync"

	"github.com/justapithecus/lode/lode"
)

// Client is a Lode-backed Archiver.
// Uses Lode's HiveLayout with partition keys: device/day/run_id/record_kind.
type Client struct {
	dataset lode.Dataset
	config  Config

	storeFactory lode.StoreFactory
	storeOnce    sync.Once
	store        lode.Store
	storeErr     error
}

// NewClient creates a new client with filesystem storage rooted at root.
func NewClient(cfg Config, root string) (*Client, error) {
	return NewClientWithFactory(cfg, lode.NewFSFactory(root))
}

// NewClientWithFactory creates a new client with a custom store factory.
// Use lode.NewMemoryFactory() for testing.
func NewClientWithFactory(cfg Config, factory lode.StoreFactory) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ds, err := newDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, cfg.Dataset)
	}
	return newClient(ds, cfg, factory), nil
}

func newClient(ds lode.Dataset, cfg Config, factory lode.StoreFactory) *Client {
	return &Client{dataset: ds, config: cfg, storeFactory: factory}
}

func newDataset(id string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(id),
		factory,
		lode.WithHiveLayout("device", "day", "run_id", "record_kind"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

func (c Config) validate() error {
	switch {
	case c.Dataset == "":
		return errors.New("lode: dataset is required")
	case c.Device == "":
		return errors.New("lode: device partition key is required")
	case c.Day == "":
		return errors.New("lode: day partition key is required")
	case c.RunID == "":
		return errors.New("lode: run id partition key is required")
	}
	return nil
}

// WriteRun writes the summary, health, trace and metrics records of run
// as one snapshot. Health and trace records are omitted when the run
// produced none.
func (c *Client) WriteRun(ctx context.Context, run Run) error {
	if _, err := c.dataset.Write(ctx, runRecords(run, c.config), lode.Metadata{}); err != nil {
		return WrapWriteError(err, c.config.Dataset+"/run_id="+c.config.RunID)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	// Dataset doesn't require explicit close in current Lode API
	return nil
}

var _ Archiver = (*Client)(nil)
