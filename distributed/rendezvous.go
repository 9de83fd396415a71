// Copyright 2025 The DPO-arithmetic Authors
// SPDX-License-Identifier: Apache-2.0

// Package distributed forms the process group for distributed trainer
// variants.
//
// Rendezvous happens once per worker, before trainer construction, and is a
// hard prerequisite for any later collective operation: rank 0 listens on
// the configured port, every other rank dials in and announces itself, and
// rank 0 releases the group once all ranks have arrived. The call blocks
// until the group is complete or ctx is canceled; failure is fatal for the
// worker and is not retried.
package distributed

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pasewark/DPO-arithmetic/pkg/logging"
)

// ProcessGroup is the handle a worker holds after a successful rendezvous.
type ProcessGroup struct {
	Rank      int
	WorldSize int
}

// Rendezvous forms the process group for this rank.
func Rendezvous(ctx context.Context, rank, worldSize, port int) (*ProcessGroup, error) {
	if worldSize <= 0 {
		return nil, fmt.Errorf("rendezvous: world size must be positive, got %d", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rendezvous: rank %d outside world of size %d", rank, worldSize)
	}

	logging.FromContext(ctx).Info("process group rendezvous", "rank", rank, "world_size", worldSize, "port", port)

	if rank == 0 {
		if err := lead(ctx, worldSize, port); err != nil {
			return nil, err
		}
	} else {
		if err := join(ctx, rank, port); err != nil {
			return nil, err
		}
	}
	return &ProcessGroup{Rank: rank, WorldSize: worldSize}, nil
}

// lead accepts every other rank and releases the group once all arrived.
func lead(ctx context.Context, worldSize, port int) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("rendezvous: rank 0 listening on port %d: %w", port, err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()
	defer close(done)

	peers := make([]net.Conn, 0, worldSize-1)
	for i := 0; i < worldSize-1; i++ {
		conn, err := ln.Accept()
		if err != nil {
			closeAll(peers)
			if ctx.Err() != nil {
				return fmt.Errorf("rendezvous: canceled while waiting for peers: %w", ctx.Err())
			}
			return fmt.Errorf("rendezvous: accepting peer: %w", err)
		}
		peers = append(peers, conn)
	}

	var mu sync.Mutex
	seen := make(map[int]bool, worldSize-1)

	var g errgroup.Group
	for _, conn := range peers {
		conn := conn
		g.Go(func() error {
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil {
				return fmt.Errorf("rendezvous: reading peer announcement: %w", err)
			}
			peerRank, err := strconv.Atoi(strings.TrimSpace(line))
			if err != nil {
				return fmt.Errorf("rendezvous: malformed peer announcement %q", line)
			}
			if peerRank <= 0 || peerRank >= worldSize {
				return fmt.Errorf("rendezvous: peer announced invalid rank %d", peerRank)
			}
			mu.Lock()
			seen[peerRank] = true
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(peers)
		return err
	}
	if len(seen) != worldSize-1 {
		closeAll(peers)
		return fmt.Errorf("rendezvous: duplicate rank announcements, got %d distinct ranks, want %d", len(seen), worldSize-1)
	}

	// All ranks present; release the group.
	for _, conn := range peers {
		if _, err := conn.Write([]byte("ok\n")); err != nil {
			closeAll(peers)
			return fmt.Errorf("rendezvous: releasing peer: %w", err)
		}
	}
	closeAll(peers)
	return nil
}

// join announces this rank to rank 0 and blocks until the group is released.
// Dialing blocks until the leader is listening; the connect loop is how
// "blocking" is expressed over TCP, not a retry of a failed rendezvous.
func join(ctx context.Context, rank, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	dialer := net.Dialer{}

	var conn net.Conn
	for {
		var err error
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("rendezvous: canceled while connecting to rank 0: %w", ctx.Err())
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "%d\n", rank); err != nil {
		return fmt.Errorf("rendezvous: announcing rank %d: %w", rank, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("rendezvous: waiting for release: %w", err)
	}
	if strings.TrimSpace(line) != "ok" {
		return fmt.Errorf("rendezvous: unexpected release message %q", line)
	}
	return nil
}

func closeAll(conns []net.Conn) {
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}
}
