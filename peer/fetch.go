package peer

import (
	"context"
	"fmt"

	"github.com/EDiasAlberto/peerbrowser/pkg/logger"
)

// Fetch pulls one file out of the swarm: ask the tracker who serves it,
// then try each candidate in turn until a transfer completes. Candidates
// that fail are delisted from the tracker; a success saves the file into
// the media dir and lists this node as a source.
// It returns the path the file was saved under.
func (p *PeerServer) Fetch(ctx context.Context, filePath string) (string, error) {
	peers, err := p.tracker.GetPeers(ctx, filePath)
	if err != nil {
		return "", fmt.Errorf("tracker lookup for %s: %w", filePath, err)
	}
	if len(peers) == 0 {
		return "", fmt.Errorf("no peers serve %s", filePath)
	}
	logger.Sugar.Infof("[PeerServer] fetching file: file=%s candidates=%d", filePath, len(peers))

	var lastErr error
	for _, ip := range peers {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("fetch %s: %w", filePath, err)
		}

		data, err := p.fetchFrom(ctx, ip, filePath)
		if err != nil {
			lastErr = err
			logger.Sugar.Warnf("[PeerServer] candidate failed: ip=%s file=%s err=%v", ip, filePath, err)
			if rmErr := p.tracker.Remove(ctx, filePath, ip); rmErr != nil {
				logger.Sugar.Debugf("[PeerServer] delisting candidate failed: ip=%s err=%v", ip, rmErr)
			}
			continue
		}

		savedPath, err := p.store.Save(filePath, data)
		if err != nil {
			return "", fmt.Errorf("saving %s: %w", filePath, err)
		}

		// The file is servable from here on, so list ourselves too.
		if addr, ok := p.ObservedAddr(); ok {
			if err := p.tracker.Add(ctx, filePath, addr.IP); err != nil {
				logger.Sugar.Warnf("[PeerServer] listing self as source failed: file=%s err=%v", filePath, err)
			}
		} else {
			logger.Sugar.Debugf("[PeerServer] public address unknown, not listing self: file=%s", filePath)
		}
		return savedPath, nil
	}

	return "", fmt.Errorf("fetch %s: every candidate failed: %w", filePath, lastErr)
}

// fetchFrom runs one candidate end to end: rendezvous introduction,
// then the transfer, with the progress line rendered while it runs.
func (p *PeerServer) fetchFrom(ctx context.Context, ip, filePath string) ([]byte, error) {
	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	peerAddr, err := p.Connect(connectCtx, ip)
	cancel()
	if err != nil {
		return nil, err
	}

	progress := NewTransferProgress(filePath, peerAddr.String())
	renderer := NewProgressRenderer(progress, IsTerminalSupported())
	go renderer.Start()

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	data, _, err := p.transfers.Request(reqCtx, peerAddr, filePath, progress)
	cancel()
	renderer.StopAndWait()
	if err != nil {
		return nil, err
	}
	return data, nil
}
