// Package watch runs one long-lived mailbox watcher per configured site.
//
// A watcher owns a single IMAP session and cycles through a fixed state
// machine: dial, authenticate, select, fetch unseen, idle, repeat. Every
// network or protocol failure is treated as transient and recovered with a
// per-stage backoff; the watcher retries forever, because mailbox
// connectivity loss is expected during unattended operation. The one fatal
// condition is an authentication failure, which is surfaced to the caller
// so an operator can fix the credentials.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/firedispatch/mailwatch/config"
	"github.com/firedispatch/mailwatch/dispatch"
	"github.com/firedispatch/mailwatch/extract"
	"github.com/firedispatch/mailwatch/helpers"
	"github.com/firedispatch/mailwatch/logger"
	"github.com/firedispatch/mailwatch/pkg/metrics"
)

// ErrAuthFailed marks a rejected login. It is not retried; the watcher for
// the affected site stops while the others keep running.
var ErrAuthFailed = errors.New("mailbox authentication failed")

// ErrIdleNotEngaged marks a server that refused to start IDLE. The session
// is still usable; the watcher backs off and tries IDLE again.
var ErrIdleNotEngaged = errors.New("could not engage IDLE")

// IdleOutcome reports why an IDLE wait returned.
type IdleOutcome int

const (
	// IdleTimeout means the bounded wait elapsed without server activity.
	// Not an error; the watcher polls defensively on every wake.
	IdleTimeout IdleOutcome = iota
	// IdleActivity means the server signalled a mailbox change.
	IdleActivity
)

// Session is one authenticated-capable mailbox connection. Implemented by
// the IMAP client; replaced by a scripted fake in tests.
type Session interface {
	Authenticate(user, password string) error
	Select(folder string) error
	SearchUnseen() ([]uint32, error)
	FetchMessage(seq uint32) ([]byte, error)
	MarkSeen(seq uint32) error
	Idle(timeout time.Duration) (IdleOutcome, error)
	Close() error
}

// Dialer opens the encrypted transport to a mailbox server.
type Dialer func(addr string) (Session, error)

// Watcher monitors one site's mailbox and emits one alarm per processed
// message onto the shared dispatch channel.
type Watcher struct {
	site  config.SiteConfig
	rules *extract.Rules
	out   chan<- dispatch.Alarm
	dial  Dialer

	idleTimeout    time.Duration
	connectRetry   time.Duration
	reconnectDelay time.Duration
	idleRetry      time.Duration

	// pause is replaced in tests so backoffs don't slow the suite down.
	pause func(ctx context.Context, d time.Duration) bool
}

// New builds a watcher for one site. The configured durations are parsed
// here so a bad value fails at startup, not mid-reconnect.
func New(site config.SiteConfig, rules *extract.Rules, out chan<- dispatch.Alarm) (*Watcher, error) {
	w := &Watcher{
		site:  site,
		rules: rules,
		out:   out,
		dial:  DialIMAP,
		pause: sleepCtx,
	}

	var err error
	if w.idleTimeout, err = site.GetIdleTimeout(); err != nil {
		return nil, fmt.Errorf("site '%s': idle_timeout: %w", site.Name, err)
	}
	if w.connectRetry, err = site.GetConnectRetry(); err != nil {
		return nil, fmt.Errorf("site '%s': connect_retry: %w", site.Name, err)
	}
	if w.reconnectDelay, err = site.GetReconnectDelay(); err != nil {
		return nil, fmt.Errorf("site '%s': reconnect_delay: %w", site.Name, err)
	}
	if w.idleRetry, err = site.GetIdleRetry(); err != nil {
		return nil, fmt.Errorf("site '%s': idle_retry: %w", site.Name, err)
	}

	return w, nil
}

// sleepCtx blocks for d or until the context is cancelled. Returns false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run executes the connection state machine until the context is cancelled
// or authentication fails. The returned error is nil on cancellation and
// wraps ErrAuthFailed on rejected credentials.
func (w *Watcher) Run(ctx context.Context) error {
	site := w.site.Name
	addr := w.site.Addr()

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Disconnected -> Connected
		log.Printf("[WATCH %s] connecting to %s", site, addr)
		sess, err := w.dial(addr)
		if err != nil {
			logger.Error("mailbox connect failed", "site", site, "addr", addr,
				"retry_in", w.connectRetry, "error", err)
			metrics.IMAPConnectionsTotal.WithLabelValues(site, "error").Inc()
			if !w.pause(ctx, w.connectRetry) {
				return nil
			}
			continue
		}
		metrics.IMAPConnectionsTotal.WithLabelValues(site, "ok").Inc()

		// Connected -> Authenticated. Credential rejection is fatal for
		// this site; it is never retried automatically.
		log.Printf("[WATCH %s] authenticating %s", site, w.site.User)
		if err := sess.Authenticate(w.site.User, w.site.Password); err != nil {
			sess.Close()
			return fmt.Errorf("site '%s': %w: %v", site, ErrAuthFailed, err)
		}

		// Authenticated -> MailboxSelected
		folder := w.site.GetFolder()
		if err := sess.Select(folder); err != nil {
			logger.Error("mailbox select failed, reconnecting", "site", site,
				"folder", folder, "retry_in", w.reconnectDelay, "error", err)
			metrics.WatcherReconnectsTotal.WithLabelValues(site, "select").Inc()
			sess.Close()
			if !w.pause(ctx, w.reconnectDelay) {
				return nil
			}
			continue
		}
		log.Printf("[WATCH %s] selected %s", site, folder)

		w.watchMailbox(ctx, sess)
		sess.Close()

		if ctx.Err() != nil {
			return nil
		}
		if !w.pause(ctx, w.reconnectDelay) {
			return nil
		}
	}
}

// watchMailbox runs the fetch/idle loop on an established session. It
// returns when the session is no longer usable; the caller reconnects.
func (w *Watcher) watchMailbox(ctx context.Context, sess Session) {
	site := w.site.Name

	for {
		if ctx.Err() != nil {
			return
		}

		seqs, err := sess.SearchUnseen()
		if err != nil {
			logger.Error("unseen search failed, reconnecting", "site", site,
				"retry_in", w.reconnectDelay, "error", err)
			metrics.WatcherReconnectsTotal.WithLabelValues(site, "search").Inc()
			return
		}

		if len(seqs) == 0 {
			logger.Debug("no unseen messages", "site", site)
		}
		for _, seq := range seqs {
			// One message failing must not abort the rest of the batch.
			w.processMessage(ctx, sess, seq)
		}

		// MailboxSelected -> Idling
		outcome, err := sess.Idle(w.idleTimeout)
		switch {
		case errors.Is(err, ErrIdleNotEngaged):
			logger.Error("IDLE not engaged, retrying", "site", site,
				"retry_in", w.idleRetry, "error", err)
			if !w.pause(ctx, w.idleRetry) {
				return
			}
		case err != nil:
			logger.Error("IDLE wait failed, reconnecting", "site", site,
				"retry_in", w.reconnectDelay, "error", err)
			metrics.WatcherReconnectsTotal.WithLabelValues(site, "idle").Inc()
			return
		case outcome == IdleActivity:
			logger.Debug("mailbox activity reported", "site", site)
			metrics.IdleCyclesTotal.WithLabelValues(site, "activity").Inc()
		default:
			logger.Debug("idle timeout elapsed, polling", "site", site)
			metrics.IdleCyclesTotal.WithLabelValues(site, "timeout").Inc()
		}
	}
}

// processMessage fetches, extracts and emits one message, then marks it
// seen. Undecodable messages are marked seen anyway so they don't get
// re-fetched on every wake.
func (w *Watcher) processMessage(ctx context.Context, sess Session, seq uint32) {
	site := w.site.Name

	raw, err := sess.FetchMessage(seq)
	if err != nil {
		// Left unseen; the next wake retries it.
		logger.Error("message fetch failed", "site", site, "seq", seq, "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues(site, "fetch_error").Inc()
		return
	}

	body, err := helpers.ExtractTextBody(raw)
	if err != nil {
		logger.Warn("message has no usable text body, skipping", "site", site,
			"seq", seq, "hash", helpers.ContentHash(raw), "error", err)
		metrics.MessagesProcessedTotal.WithLabelValues(site, "no_body").Inc()
		w.markSeen(sess, seq)
		return
	}

	logger.Info("processing message", "site", site, "seq", seq,
		"hash", helpers.ContentHash(raw))

	data := w.rules.Extract(site, body)
	logger.Info("extracted alarm", "site", site, "incident", data.IncidentNumber,
		"keyword", data.Keyword, "pagers", len(data.Pagers))

	select {
	case w.out <- dispatch.Alarm{Site: site, Data: data}:
	case <-ctx.Done():
		return
	}

	w.markSeen(sess, seq)
	metrics.MessagesProcessedTotal.WithLabelValues(site, "ok").Inc()
}

// markSeen flags a message as seen, best effort. A failure here means the
// message may be processed again after a reconnect; the dispatch stage's
// dedup absorbs that.
func (w *Watcher) markSeen(sess Session, seq uint32) {
	if err := sess.MarkSeen(seq); err != nil {
		logger.Error("could not mark message seen", "site", w.site.Name,
			"seq", seq, "error", err)
	}
}
