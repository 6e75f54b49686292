package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
)

// Publish walks one site under the media dir and lists this node as the
// source for every file the tracker has nobody for yet. Files some peer
// already serves are skipped and returned so the caller can report them.
func (p *PeerServer) Publish(ctx context.Context, site string) (published, skipped []string, err error) {
	addr, ok := p.ObservedAddr()
	if !ok {
		return nil, nil, errors.New("public address not yet known, is the rendezvous server reachable?")
	}

	files, err := p.store.ListSite(site)
	if err != nil {
		return nil, nil, fmt.Errorf("listing site %s: %w", site, err)
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("site %s has no files", site)
	}

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return published, skipped, fmt.Errorf("publish %s: %w", site, err)
		}

		peers, err := p.tracker.GetPeers(ctx, rel)
		if err != nil {
			return published, skipped, fmt.Errorf("tracker lookup for %s: %w", rel, err)
		}
		if len(peers) > 0 {
			skipped = append(skipped, rel)
			continue
		}

		if err := p.tracker.Add(ctx, rel, addr.IP); err != nil {
			return published, skipped, fmt.Errorf("listing %s: %w", rel, err)
		}
		published = append(published, rel)
	}

	logger.Sugar.Infof("[PeerServer] published site: site=%s published=%d skipped=%d", site, len(published), len(skipped))
	return published, skipped, nil
}
