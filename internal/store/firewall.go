package store

import (
	"context"

	"github.com/jclee-lab/blacklist-sub003/pkg/model"
)

// ActiveIPs returns every currently active blacklist IP, for the firewall
// feed. No pagination — the feed is a full snapshot.
func (s *Store) ActiveIPs(ctx context.Context) ([]string, error) {
	var ips []string

	err := withRetry(ctx, "ActiveIPs", func(ctx context.Context) error {
		ips = nil
		r, err := s.pool.Query(ctx, "SELECT DISTINCT ip FROM blacklist_records WHERE active = true ORDER BY ip")
		if err != nil {
			return err
		}
		defer r.Close()

		for r.Next() {
			var ip string
			if err := r.Scan(&ip); err != nil {
				return err
			}
			ips = append(ips, ip)
		}
		return r.Err()
	})

	return ips, err
}

// LogFirewallPull records a firewall feed request. Logging is best-effort:
// callers must not fail the feed response if this returns an error.
func (s *Store) LogFirewallPull(ctx context.Context, entry model.FirewallPullLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO firewall_pull_log (device_address, user_agent, path, ip_count, response_ms, requested_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, entry.DeviceAddress, entry.UserAgent, entry.Path, entry.IPCount, entry.ResponseMS)
	return err
}
