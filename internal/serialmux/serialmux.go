// Package serialmux shares the UART register bridge between the register bus
// and the debug console. Every line the bridge prints is fanned out to all
// subscribers; commands are serialised onto the port one line at a time.
package serialmux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/isp-autolevel/internal/httputil"
	"github.com/banshee-data/isp-autolevel/internal/monitoring"
)

// ErrShortWrite is returned when the port accepts only part of a command.
var ErrShortWrite = errors.New("short write to register bridge")

var logger = monitoring.Component("serialmux")

// subscriberBuffer is how many lines a subscriber may fall behind before
// lines are dropped for it.
const subscriberBuffer = 16

// bridgeSetup puts the bridge in the mode the register bus expects.
var bridgeSetup = []string{
	"ECHO 0", // replies only
	"IRQ 1",  // forward ISP interrupts as IRQ lines
}

// SerialMux fans lines from one port out to many subscribers.
type SerialMux[T SerialPorter] struct {
	port T

	mu     sync.Mutex
	subs   map[string]chan string
	closed bool

	writeMu   sync.Mutex
	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// NewSerialMux wraps port. Call Monitor to start delivering lines.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port: port,
		subs: make(map[string]chan string),
	}
}

// Subscribe returns an id and a channel receiving every subsequent line.
// The channel is closed by Unsubscribe or Close.
func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, subscriberBuffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subs[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// Initialise sends the bridge setup commands.
func (s *SerialMux[T]) Initialise() error {
	for _, c := range bridgeSetup {
		if err := s.SendCommand(c); err != nil {
			return fmt.Errorf("bridge setup %q: %w", c, err)
		}
	}
	return nil
}

// SendCommand writes one command line, adding the newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n, err := io.WriteString(s.port, command)
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrShortWrite
	}
	return nil
}

// Monitor reads lines until ctx is cancelled, the port fails or the mux is
// closed. A subscriber that is behind loses the line rather than stalling
// the port.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(s.port)
		for scan.Scan() {
			select {
			case lines <- strings.TrimRight(scan.Text(), "\r"):
			case <-ctx.Done():
				scanErr <- ctx.Err()
				return
			}
		}
		scanErr <- scan.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if !s.publish(line) {
				return nil
			}
		}
	}
}

func (s *SerialMux[T]) publish(line string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for _, ch := range s.subs {
		select {
		case ch <- line:
		default:
			if n := s.dropped.Add(1); n%100 == 1 {
				logger.Errorf("bridge subscriber behind, %d lines dropped", n)
			}
		}
	}
	return true
}

// Dropped reports how many lines were lost to slow subscribers.
func (s *SerialMux[T]) Dropped() uint64 { return s.dropped.Load() }

// Close closes every subscription and the port. Later calls return the
// first result.
func (s *SerialMux[T]) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
		s.mu.Unlock()
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

type bridgeStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped_lines"`
}

const consolePage = `<!DOCTYPE html>
<html><body>
<form method="POST" action="bridge-send">
<input name="command" placeholder="R 0x00018000"> <button>Send</button>
</form>
<pre id="tail"></pre>
<script>
const es = new EventSource("bridge-tail");
es.onmessage = (e) => { document.getElementById("tail").textContent += e.data + "\n"; };
</script>
</body></html>`

// AttachAdminRoutes adds a bridge console, a command endpoint and a live
// line stream to the debug mux.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bridge", "register bridge console", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, consolePage)
	})

	debug.HandleSilentFunc("bridge-stats", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		st := bridgeStats{Subscribers: len(s.subs), Dropped: s.Dropped()}
		s.mu.Unlock()
		httputil.WriteJSON(w, http.StatusOK, st)
	})

	debug.HandleSilentFunc("bridge-send", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodPost) {
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			httputil.WriteJSONError(w, http.StatusBadRequest, "missing command")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"sent": command})
	})

	debug.HandleSilentFunc("bridge-tail", func(w http.ResponseWriter, r *http.Request) {
		if !httputil.RequireMethod(w, r, http.MethodGet) {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		flusher, _ := w.(http.Flusher)
		flush := func() {
			if flusher != nil {
				flusher.Flush()
			}
		}
		io.WriteString(w, ": connected\n\n")
		flush()
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
					return
				}
				flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
