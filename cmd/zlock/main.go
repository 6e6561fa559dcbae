// Command zlock is the distributed-lock demonstration tool described in
// spec §6: it acquires a named lock scoped to a fixed department/service,
// holds it for a 3-second demonstration window, then releases it and
// exits 0 iff the lock was held at the end of that window.
//
//	zlock <lock_name> [seconds]
//
// With seconds given, a bounded try_lock is attempted; otherwise the tool
// blocks until it acquires the lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/zoolink/zoolink/internal/frame"
	"github.com/zoolink/zoolink/internal/zkclient"
	"github.com/zoolink/zoolink/internal/zkconfig"
)

const (
	demoDept = "dept"
	demoSrv  = "srv_inst"
	holdTime = 3 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: zlock <lock_name> [seconds]")
		return 2
	}
	lockName := os.Args[1]

	var (
		seconds     int
		haveSeconds bool
	)
	if len(os.Args) >= 3 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid seconds %q: %v\n", os.Args[2], err)
			return 2
		}
		seconds = n
		haveSeconds = true
	}

	cfg, err := zkconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return 1
	}

	store, err := zkclient.Dial(cfg.ZKAddrs, cfg.SessionTimeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connecting to zookeeper: %v\n", err)
		return 1
	}
	defer store.Close()

	fr, err := frame.New(store, cfg.LocalIDC, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "constructing frame: %v\n", err)
		return 1
	}
	defer fr.Close(context.Background())

	ctx := context.Background()
	if haveSeconds {
		ok, err := fr.TryLock(ctx, demoDept, demoSrv, lockName, seconds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "try_lock: %v\n", err)
			return 1
		}
		if !ok {
			return 1
		}
	} else {
		if err := fr.Lock(ctx, demoDept, demoSrv, lockName); err != nil {
			fmt.Fprintf(os.Stderr, "lock: %v\n", err)
			return 1
		}
	}

	time.Sleep(holdTime)

	held, err := fr.Owner(ctx, demoDept, demoSrv, lockName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "owner: %v\n", err)
		return 1
	}
	if held {
		fmt.Println("request lock success!")
	} else {
		fmt.Println("request lock failed!")
	}

	if _, err := fr.Unlock(ctx, demoDept, demoSrv, lockName); err != nil {
		fmt.Fprintf(os.Stderr, "unlock: %v\n", err)
	}

	if held {
		return 0
	}
	return 1
}
