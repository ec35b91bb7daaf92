package cli

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	atexitHandlers []func()
	atexitMutex    sync.Mutex
)

func init() {
	go handleSignals()
}

// handleSignals waits for a terminating signal, runs the AtExit handlers and exits.
// A second signal exits immediately without waiting for the handlers.
func handleSignals() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	sig := <-ch
	log.Warning("Received signal %s, stopping", sig)
	done := make(chan struct{})
	go func() {
		runAtExitHandlers()
		close(done)
	}()
	select {
	case <-done:
		exit(sig)
	case sig := <-ch:
		log.Warning("Received second signal %s, aborting", sig)
		exit(sig)
	}
}

// AtExit registers a function to be run when the process is killed by a signal.
// This is best-effort; a panic or os.Exit bypasses it.
func AtExit(f func()) {
	atexitMutex.Lock()
	defer atexitMutex.Unlock()
	atexitHandlers = append(atexitHandlers, f)
}

func runAtExitHandlers() {
	atexitMutex.Lock()
	handlers := append([]func(){}, atexitHandlers...)
	atexitMutex.Unlock()
	for _, h := range handlers {
		h()
	}
}

// exit kills the process with an exit code suitable for the given signal.
func exit(sig os.Signal) {
	if s, ok := sig.(syscall.Signal); ok {
		os.Exit(128 + int(s))
	}
	os.Exit(1)
}
