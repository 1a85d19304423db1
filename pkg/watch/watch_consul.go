//go:build consul

package watch

import (
	"context"
	"strconv"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Enabled reports whether the binary was built with the consul tag.
func Enabled() bool { return true }

// StartPlanWatch blocks on the controller's plan version key and calls
// onChange with every new version until ctx is done.
func StartPlanWatch(ctx context.Context, addr, token string, log zerolog.Logger, onChange func(version int64)) error {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return err
	}
	go func() {
		var waitIndex uint64
		for {
			q := (&consulapi.QueryOptions{WaitIndex: waitIndex}).WithContext(ctx)
			kv, meta, err := cli.KV().Get(PlanVersionKey, q)
			if ctx.Err() != nil {
				return
			}
			if err != nil || kv == nil {
				if err != nil {
					log.Warn().Err(err).Msg("plan watch failed")
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			waitIndex = meta.LastIndex
			if v, perr := strconv.ParseInt(string(kv.Value), 10, 64); perr == nil {
				onChange(v)
			}
		}
	}()
	return nil
}
