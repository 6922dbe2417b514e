// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command hpqdemo exercises one shared queue with concurrent producers and
// consumers and checks that every pushed value was popped exactly once and
// that every node was reclaimed.
//
// Usage:
//
//	go run ./cmd/hpqdemo -producers 4 -consumers 4 -items 100000
//	go run ./cmd/hpqdemo -print | sort -n | uniq -d   # should print nothing
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"code.hybscloud.com/hpq"
	"code.hybscloud.com/hpq/internal/verify"
	"code.hybscloud.com/iox"
)

type config struct {
	producers int
	consumers int
	items     int // per producer
	threshold int
	slabSize  int
	print     bool
}

var errConfig = errors.New("invalid flags")

// validate rejects settings the queue builder would panic on, and counts
// that leave the demo nothing to check.
func (c config) validate() error {
	switch {
	case c.producers < 1:
		return fmt.Errorf("%w: -producers must be >= 1, got %d", errConfig, c.producers)
	case c.consumers < 1:
		return fmt.Errorf("%w: -consumers must be >= 1, got %d", errConfig, c.consumers)
	case c.items < 1:
		return fmt.Errorf("%w: -items must be >= 1, got %d", errConfig, c.items)
	case c.threshold < 0:
		return fmt.Errorf("%w: -threshold must be >= 0, got %d", errConfig, c.threshold)
	case c.slabSize < 1:
		return fmt.Errorf("%w: -slab must be >= 1, got %d", errConfig, c.slabSize)
	}
	return nil
}

func main() {
	var cfg config
	flag.IntVar(&cfg.producers, "producers", 4, "number of producer goroutines")
	flag.IntVar(&cfg.consumers, "consumers", 4, "number of consumer goroutines")
	flag.IntVar(&cfg.items, "items", 100_000, "values pushed by each producer")
	flag.IntVar(&cfg.threshold, "threshold", 2048, "staged nodes that trigger reclamation in Pop")
	flag.IntVar(&cfg.slabSize, "slab", hpq.DefaultSlabSize, "nodes in the first arena slab")
	flag.BoolVar(&cfg.print, "print", false, "print every popped value to stdout")
	flag.Parse()
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	start := time.Now()
	res, err := run(cfg, logger, out)
	if err != nil {
		out.Flush()
		logger.Error("hpqdemo failed", slog.Any("err", err))
		os.Exit(1)
	}
	logger.Info("hpqdemo done",
		slog.Duration("elapsed", time.Since(start)),
		slog.String("pushed", res.pushed.String()),
		slog.String("popped", res.popped.String()),
		slog.Uint64("allocated", res.stats.Allocated),
		slog.Uint64("recycled", res.stats.Recycled),
		slog.Uint64("capacity", res.stats.Capacity),
		slog.Uint64("live", res.stats.Live))
}

type result struct {
	pushed verify.Fingerprint
	popped verify.Fingerprint
	stats  hpq.Stats
}

var (
	errMismatch = errors.New("popped values differ from pushed values")
	errLeak     = errors.New("nodes left unreclaimed")
	errNotEmpty = errors.New("queue not empty after drain")
)

// run pushes producers × items distinct values through one queue and pops
// them all back. Producer p pushes p*items+1 .. (p+1)*items.
func run(cfg config, logger *slog.Logger, out io.Writer) (result, error) {
	var res result
	if err := cfg.validate(); err != nil {
		return res, err
	}
	maxThreads := cfg.producers + cfg.consumers + 1
	q := hpq.Build[uint64](hpq.New(maxThreads).
		ReclaimThreshold(cfg.threshold).
		SlabSize(cfg.slabSize).
		Logger(logger))
	defer q.Close()

	total := cfg.producers * cfg.items
	var pushed, popped verify.Multiset
	var mu sync.Mutex // serializes writes to out
	var wg sync.WaitGroup
	errs := make(chan error, cfg.producers+cfg.consumers)

	for p := range cfg.producers {
		wg.Add(1)
		go func(base uint64) {
			defer wg.Done()
			h, err := q.Attach()
			if err != nil {
				errs <- fmt.Errorf("producer attach: %w", err)
				return
			}
			defer h.Close()
			for i := range uint64(cfg.items) {
				v := base + i + 1
				h.Push(v)
				pushed.Add(v)
			}
		}(uint64(p * cfg.items))
	}

	share := total / cfg.consumers
	for c := range cfg.consumers {
		n := share
		if c == cfg.consumers-1 {
			n = total - share*(cfg.consumers-1)
		}
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			h, err := q.Attach()
			if err != nil {
				errs <- fmt.Errorf("consumer attach: %w", err)
				return
			}
			defer h.Close()
			var log hpq.List[uint64]
			backoff := iox.Backoff{}
			for range n {
				v, ok := h.Pop()
				for !ok {
					backoff.Wait()
					v, ok = h.Pop()
				}
				backoff.Reset()
				popped.Add(v)
				if cfg.print {
					log.PushFront(hpq.NewNode(v))
				}
				h.ReclaimLocalHazardNodes()
			}
			if cfg.print {
				mu.Lock()
				for node := range log.All() {
					fmt.Fprintln(out, node.Value)
				}
				mu.Unlock()
			}
		}(n)
	}

	wg.Wait()
	close(errs)
	if err := <-errs; err != nil {
		return res, err
	}

	h, err := q.Attach()
	if err != nil {
		return res, err
	}
	h.ReclaimHazardNodes()
	empty := h.IsEmpty()
	h.Close()

	res.pushed = pushed.Fingerprint()
	res.popped = popped.Fingerprint()
	res.stats = q.Registry().Stats()

	if res.pushed != res.popped {
		return res, fmt.Errorf("%w: pushed %v, popped %v", errMismatch, res.pushed, res.popped)
	}
	if !empty {
		return res, errNotEmpty
	}
	// One dummy for the queue, one for the retirement queue.
	if res.stats.Live != 2 {
		return res, fmt.Errorf("%w: %d live nodes", errLeak, res.stats.Live)
	}
	return res, nil
}
