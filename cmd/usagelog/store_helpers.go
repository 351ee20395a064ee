package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ongoingai/usagelog/internal/trace"
)

func closeTraceStoreWithWarning(store trace.DBStore, errOut io.Writer) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		fmt.Fprintf(errOut, "warning: failed to close trace store: %v\n", err)
	}
}

func closeTraceStoreWithLog(logger *slog.Logger, store trace.DBStore) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Error("failed to close trace store", "error", err)
	}
}
