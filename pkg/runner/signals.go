package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WaitForShutdownSignal blocks until the process receives an interrupt or
// termination signal. Run calls this internally; standalone programs that
// manage services by hand can use it directly.
func WaitForShutdownSignal() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
