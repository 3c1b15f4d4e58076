package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/mbsyncgo/mbsyncgo/internal/maildriver"
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver/imapdriver"
	"github.com/mbsyncgo/mbsyncgo/internal/maildriver/localdriver"
	"github.com/mbsyncgo/mbsyncgo/internal/syncengine"
	"github.com/mbsyncgo/mbsyncgo/internal/syncstate"
)

// ResolvedChannel is everything SyncBoxes needs for one run: the two opened
// drivers, the engine's own policy struct, and the resolved state-file path.
type ResolvedChannel struct {
	StatePath string
	Master    maildriver.Driver
	Slave     maildriver.Driver
	Engine    syncengine.ChannelConfig
}

// pools is a process-lifetime registry of IMAP connection pools, one per
// store, so repeated channel runs against the same account reuse sessions
// instead of dialing fresh ones every time.
var pools = map[string]*imapdriver.Pool{}

// Resolve builds a ResolvedChannel for the named channel: looks up its
// stores, dials or opens the appropriate drivers, and translates the YAML
// ops lists into syncengine's typed Ops bitmask.
func (c *Config) Resolve(ctx context.Context, channelName string) (*ResolvedChannel, error) {
	ch, err := c.Channel(channelName)
	if err != nil {
		return nil, err
	}
	farStore, err := c.Store(ch.Far)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}
	nearStore, err := c.Store(ch.Near)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.Name, err)
	}

	masterDriver, err := c.driverFor(farStore)
	if err != nil {
		return nil, fmt.Errorf("master store %s: %w", farStore.Name, err)
	}
	slaveDriver, err := c.driverFor(nearStore)
	if err != nil {
		return nil, fmt.Errorf("slave store %s: %w", nearStore.Name, err)
	}

	statePath, err := syncstate.PathConfig{
		SyncState:          ch.SyncState,
		SlaveSupportsInBox: nearStore.Type == "maildir",
		SlaveBoxPath:       nearStore.Path,
		GlobalPrefix:       c.GlobalStatePrefix,
		MasterStore:        farStore.Name,
		MasterName:         ch.MasterBox,
		SlaveStore:         nearStore.Name,
		SlaveName:          ch.SlaveBox,
	}.StatePath()
	if err != nil {
		return nil, fmt.Errorf("channel %s: resolve state path: %w", ch.Name, err)
	}

	fsync := fsyncLevel(firstNonEmpty(ch.FSync, c.FSync))

	engineCfg := syncengine.ChannelConfig{
		Name:        ch.Name,
		MasterBox:   ch.MasterBox,
		SlaveBox:    ch.SlaveBox,
		MaxSize:     ch.MaxSize,
		MaxMessages: ch.MaxMessages,
		FSync:       fsync,
		LocalTrash:  [2]string{ch.FarTrash, ch.NearTrash},
		RemoteTrash: [2]string{ch.FarRemoteTrash, ch.NearRemoteTrash},
	}
	engineCfg.Ops[syncstate.Master] = parseOps(ch.Ops["far"])
	engineCfg.Ops[syncstate.Slave] = parseOps(ch.Ops["near"])

	return &ResolvedChannel{
		StatePath: statePath,
		Master:    masterDriver,
		Slave:     slaveDriver,
		Engine:    engineCfg,
	}, nil
}

func (c *Config) driverFor(store *StoreConfig) (maildriver.Driver, error) {
	switch store.Type {
	case "maildir":
		return localdriver.New(store.Path), nil
	case "imap":
		pool, ok := pools[store.Name]
		if !ok {
			pool = imapdriver.NewPool(imapdriver.DefaultPoolConfig(), func(account string) (imapdriver.Config, error) {
				pw, err := ResolvePassword(store)
				if err != nil {
					return imapdriver.Config{}, err
				}
				cfg := imapdriver.DefaultConfig()
				cfg.Host = store.Host
				if store.Port != 0 {
					cfg.Port = store.Port
				}
				cfg.Security = securityFor(store.Security)
				cfg.Username = store.User
				cfg.Password = pw
				return cfg, nil
			})
			pools[store.Name] = pool
		}
		return imapdriver.New(pool, store.Name), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", store.Type)
	}
}

func securityFor(s string) imapdriver.Security {
	switch strings.ToLower(s) {
	case "starttls":
		return imapdriver.SecurityStartTLS
	case "none", "plain":
		return imapdriver.SecurityNone
	default:
		return imapdriver.SecurityTLS
	}
}

func fsyncLevel(s string) syncstate.FSyncLevel {
	switch strings.ToLower(s) {
	case "none":
		return syncstate.FSyncNone
	case "thorough":
		return syncstate.FSyncThorough
	default:
		return syncstate.FSyncNormal
	}
}

func parseOps(tokens []string) syncengine.Ops {
	var ops syncengine.Ops
	for _, t := range tokens {
		switch strings.ToLower(t) {
		case "new":
			ops |= syncengine.OpNew
		case "renew":
			ops |= syncengine.OpRenew
		case "flags":
			ops |= syncengine.OpFlags
		case "expunge":
			ops |= syncengine.OpExpunge
		case "delete":
			ops |= syncengine.OpDelete
		case "trash_only_new":
			ops |= syncengine.OpTrashOnlyNew
		}
	}
	return ops
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
