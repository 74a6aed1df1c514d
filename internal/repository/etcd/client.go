// Package etcd provides service registration for horizontally scaled
// placement API instances.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/pavera/placement/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

const registryPrefix = "/placement/instances/"

// Client wraps an etcd client with lease-based instance registration.
type Client struct {
	client  *clientv3.Client
	lease   clientv3.LeaseID
	logger  *zap.Logger
	stopped chan struct{}
}

// Instance describes one registered placement API endpoint.
type Instance struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// NewClient creates a new etcd client.
func NewClient(cfg config.EtcdConfig, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		logger:  logger,
		stopped: make(chan struct{}),
	}, nil
}

// Close revokes the registration lease and closes the client.
func (c *Client) Close() error {
	close(c.stopped)
	if c.lease != clientv3.NoLease {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := c.client.Revoke(ctx, c.lease); err != nil {
			c.logger.Warn("Failed to revoke lease", zap.Error(err))
		}
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

// Register announces this instance under a TTL lease and keeps the lease
// alive until Close.
func (c *Client) Register(ctx context.Context, id, address string) error {
	grant, err := c.client.Grant(ctx, 30)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	c.lease = grant.ID

	inst := Instance{ID: id, Address: address, RegisteredAt: time.Now()}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if _, err := c.client.Put(ctx, registryPrefix+id, string(data), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("failed to register instance: %w", err)
	}

	keepAlive, err := c.client.KeepAlive(context.Background(), grant.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for {
			select {
			case <-c.stopped:
				return
			case _, ok := <-keepAlive:
				if !ok {
					c.logger.Warn("etcd keepalive channel closed")
					return
				}
			}
		}
	}()

	c.logger.Info("Registered placement instance",
		zap.String("id", id),
		zap.String("address", address),
	)
	return nil
}

// Deregister removes this instance's registration.
func (c *Client) Deregister(ctx context.Context, id string) error {
	if _, err := c.client.Delete(ctx, registryPrefix+id); err != nil {
		return fmt.Errorf("failed to deregister instance: %w", err)
	}
	c.logger.Info("Deregistered placement instance", zap.String("id", id))
	return nil
}

// Instances lists the currently registered placement endpoints.
func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	resp, err := c.client.Get(ctx, registryPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			c.logger.Warn("Skipping malformed registry entry", zap.ByteString("key", kv.Key))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}
