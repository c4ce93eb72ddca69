// Package cleanup provides a mechanism for running periodic background
// goroutines and shutting them down cleanly.
package cleanup

import (
	"context"
	"sync"
	"time"

	"go.confighist.org/infra/go/sklog"
	"go.confighist.org/infra/go/util"
)

var (
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
)

// Initialize the package.
func init() {
	resetContext()
}

// Reset the context. This is in a non-init function for testing purposes.
func resetContext() {
	// The below should be unnecessary but makes "go vet" happy.
	newContext, newCancel := context.WithCancel(context.Background())
	ctx = newContext
	cancel = newCancel
}

// Repeat runs the tick function immediately and on the given timer. When
// Cleanup() is called, the optional cleanup function is run after waiting
// for the tick function to finish.
func Repeat(tickFrequency time.Duration, tick func(ctx context.Context), cleanup func()) {
	wg.Add(1)
	go func() {
		// Returns after ctx is canceled AND tick is finished.
		util.RepeatCtx(ctx, tickFrequency, tick)
		if cleanup != nil {
			cleanup()
		}
		wg.Done()
	}()
}

// Cleanup cancels all tick functions registered via Repeat(), then waits
// for them to fully stop running and for their cleanup functions to run.
func Cleanup() {
	sklog.Warningf("Shutdown request received")
	cancel()
	wg.Wait()
	resetContext()
	sklog.Warningf("Finished clean shutdown procedure.")
}
