package main

import (
	"context"
	"os"
	"syscall"

	"github.com/arna-oss/poolcore/internal/framing"
	"github.com/arna-oss/poolcore/internal/pool"
	"github.com/arna-oss/poolcore/internal/poollog"
)

// startStatusFifo creates the admin status.fifo channel recovered from
// original_source/ApplicationPoolStatusReporter.h (SPEC_FULL.md section
// 12): a named pipe that, on every open-for-read, writes inspect()
// followed by toXml(), each as a scalar message, then closes. It's an
// alternative to the RPC inspect/toXml commands for out-of-band admin
// tools, gated off by default in favor of the authenticated RPC path.
func startStatusFifo(ctx context.Context, p *pool.Pool, path string, logger *poollog.Logger) {
	if path == "" {
		return
	}
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0600); err != nil {
		logger.Warn("failed to create status fifo", "path", path, "error", err)
		return
	}

	go func() {
		defer os.Remove(path)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			f, err := os.OpenFile(path, os.O_WRONLY, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("failed to open status fifo for write", "error", err)
				return
			}

			writer := framing.NewScalarWriter(f)
			writer.WriteScalarMessage([]byte(p.Inspect()), nil)
			writer.WriteScalarMessage([]byte(p.ToXml(false)), nil)
			f.Close()
		}
	}()
}
