// Package client reads a host's HTTP API.
package client

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"Obscura/internal/api"
	"Obscura/internal/ledger"
)

// defaultPollInterval is the delay between slot polls in WaitSlot.
const defaultPollInterval = 200 * time.Millisecond

// Client connects to a host via HTTP.
type Client struct {
	baseURL string       // baseURL is "http://" + the host API address
	http    *http.Client // http performs the requests
}

// Account is a decoded account.
type Account struct {
	Address ledger.Address // Address identifies the account
	Owner   string         // Owner is the program owning the account
	Data    []byte         // Data is the raw account data
}

// NewClient creates a client for a host API address such as "127.0.0.1:8080".
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Health checks that the host answers.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string
	if err := c.get(ctx, "/health", &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unhealthy: %q", resp["status"])
	}

	return nil
}

// Status returns the scheduler and delivery counters.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	var resp api.StatusResponse
	if err := c.get(ctx, "/status", &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Definitions lists the registered circuits.
func (c *Client) Definitions(ctx context.Context) ([]api.DefinitionInfo, error) {
	var resp []api.DefinitionInfo
	if err := c.get(ctx, "/definitions", &resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// Slots lists the slots of an instance in slot order.
func (c *Client) Slots(ctx context.Context, instance ledger.Address) ([]api.SlotInfo, error) {
	var resp []api.SlotInfo
	if err := c.get(ctx, "/slots/"+instance.String(), &resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// Account reads one account.
func (c *Client) Account(ctx context.Context, addr ledger.Address) (*Account, error) {
	var resp api.AccountInfo
	if err := c.get(ctx, "/accounts/"+addr.String(), &resp); err != nil {
		return nil, err
	}

	data, err := hex.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode account data:\n%w", err)
	}

	return &Account{Address: addr, Owner: resp.Owner, Data: data}, nil
}

// WaitSlot polls until a slot of an instance is no longer pending and
// returns its final record.
func (c *Client) WaitSlot(ctx context.Context, instance ledger.Address, slot uint64) (*api.SlotInfo, error) {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		slots, err := c.Slots(ctx, instance)
		if err != nil {
			return nil, err
		}

		for i := range slots {
			if slots[i].Slot == slot && slots[i].Status != "pending" {
				return &slots[i], nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait slot %d:\n%w", slot, ctx.Err())
		case <-ticker.C:
		}
	}
}
