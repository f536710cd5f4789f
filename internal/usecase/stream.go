package usecase

import (
	"errors"
	"io"
	"net/http"

	"github.com/keyfleet/keyfleet/internal/domain"
	obsctx "github.com/keyfleet/keyfleet/internal/observability"
)

// relayStream copies a 200 upstream SSE body to the downstream writer chunk
// by chunk, flushing after every read so tokens reach the caller promptly.
// Once the header is written no retry across keys is possible and no error
// payload may be appended; an upstream failure mid-stream severs the
// downstream connection via http.ErrAbortHandler instead of ending the
// response cleanly, so the client sees a broken stream rather than a
// well-formed but truncated one.
func relayStream(ctx domain.Context, w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()
	lg := obsctx.LoggerFromContext(ctx)

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "text/event-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32<<10)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Downstream went away; the deferred body close
				// cancels the upstream read.
				lg.Debug("downstream write failed mid-stream", "error", werr)
				return nil
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			lg.Warn("upstream read failed mid-stream", "error", err)
			panic(http.ErrAbortHandler)
		}
	}
}
