// Package acquirer implements the staple acquirer: given an eligible
// certificate record, it builds an OCSP request, iterates responder URLs
// with bounded retry, validates the response against the chain, and
// persists the staple to disk on success.
package acquirer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/crypto/ocsp"
	"golang.org/x/time/rate"

	"ocspd/internal/metrics"
	"ocspd/internal/ocsperrors"
	"ocspd/record"
	"ocspd/validate"
)

const (
	// DefaultRetryMax is the per-URL retry budget used when Options.RetryMax
	// is unset.
	DefaultRetryMax = 3
	// DefaultBackoffStep is the linear back-off step (5, 10, 15... seconds).
	DefaultBackoffStep = 5 * time.Second

	connectTimeout = 10 * time.Second
	readTimeout    = 5 * time.Second
)

// Options configures an Acquirer.
type Options struct {
	RetryMax          int           // per-URL retry cap, default DefaultRetryMax
	BackoffStep       time.Duration // linear back-off step, default DefaultBackoffStep
	ResponderRateLimit rate.Limit   // requests/sec allowed per responder host, 0 = unlimited
	Logger            *zap.Logger
	Metrics           *metrics.Metrics // optional; nil disables metric recording
}

// Acquirer drives OCSP staple acquisition for records.
type Acquirer struct {
	client      *http.Client
	retryMax    int
	backoffStep time.Duration
	log         *zap.Logger
	metrics     *metrics.Metrics

	limiterRate rate.Limit
	limitersMu  sync.Mutex
	limiters    map[string]*rate.Limiter // keyed by responder host
}

// New creates an Acquirer. A zero Options yields the documented defaults.
func New(opts Options) *Acquirer {
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.BackoffStep <= 0 {
		opts.BackoffStep = DefaultBackoffStep
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Acquirer{
		client: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: readTimeout,
			},
			Timeout: connectTimeout + readTimeout,
		},
		retryMax:    opts.RetryMax,
		backoffStep: opts.BackoffStep,
		log:         opts.Logger,
		metrics:     opts.Metrics,
		limiterRate: opts.ResponderRateLimit,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Acquire iterates rec's responder URLs, retrying each with a bounded linear
// back-off, terminal on an empty body or a revoked status, re-validating the
// chain with the staple in context before writing it to disk.
func (a *Acquirer) Acquire(ctx context.Context, rec *record.Record) (err error) {
	start := time.Now()
	defer func() {
		if a.metrics == nil {
			return
		}
		a.metrics.AcquireDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			a.metrics.StaplesIssued.Inc()
		} else {
			a.metrics.StaplesFailed.WithLabelValues(failureReason(err)).Inc()
		}
	}()

	if !rec.Eligible() {
		return &ocsperrors.ChainValidationError{Path: rec.Path, Reason: "record is not eligible for staple acquisition"}
	}

	der, buildErr := rec.BuildRequest()
	if buildErr != nil {
		return buildErr
	}

	urls := append([]string(nil), rec.OCSPURLs...)
	var lastErr error

	for _, rawURL := range urls {
		resp, raw, tryErr := a.tryURL(ctx, rec, rawURL, der)
		switch {
		case tryErr == nil:
			return a.validateAndPersist(rec, resp, raw)
		case ocsperrors.Revoked(tryErr):
			// Terminal for the whole record: no further URLs attempted.
			return tryErr
		case ocsperrors.Empty(tryErr):
			// Terminal for the whole record too: an empty body is deterministic
			// misbehavior, not worth trying the next URL for.
			return tryErr
		default:
			lastErr = tryErr
			continue
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no responder URLs configured")
	}
	return &ocsperrors.OcspRenewError{Path: rec.Path, Reason: "all OCSP responder URLs exhausted", Err: lastErr}
}

// failureReason buckets an acquisition error into a small label set for the
// staples_failed_total counter.
func failureReason(err error) string {
	switch {
	case ocsperrors.Revoked(err):
		return "revoked"
	case ocsperrors.Empty(err):
		return "empty_response"
	default:
		return "exhausted"
	}
}

// tryURL runs the bounded retry loop against a single responder URL.
func (a *Acquirer) tryURL(ctx context.Context, rec *record.Record, rawURL string, der []byte) (*ocsp.Response, []byte, error) {
	bo := newLinearBackOff(a.backoffStep, a.retryMax)

	var lastErr error
	for attempt := 1; attempt <= a.retryMax; attempt++ {
		raw, err := a.post(ctx, rawURL, der)
		if err != nil {
			a.log.Warn("OCSP request failed", zap.String("path", rec.Path), zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
			lastErr = err
		} else if len(raw) == 0 {
			return nil, nil, &ocsperrors.OcspRenewError{Path: rec.Path, Reason: fmt.Sprintf("empty response from %s", rawURL), Err: ocsperrors.ErrEmptyResponse}
		} else {
			issuer, ierr := rec.Issuer()
			if ierr != nil {
				return nil, nil, ierr
			}
			resp, perr := ocsp.ParseResponse(raw, issuer)
			if perr != nil {
				a.log.Warn("malformed OCSP response", zap.String("path", rec.Path), zap.String("url", rawURL), zap.Error(perr))
				lastErr = perr
			} else {
				switch resp.Status {
				case ocsp.Good:
					return resp, raw, nil
				case ocsp.Revoked:
					return nil, nil, &ocsperrors.OcspRenewError{Path: rec.Path, Reason: fmt.Sprintf("certificate revoked (reported by %s)", rawURL), Err: ocsperrors.ErrRevoked}
				default:
					a.log.Info("responder returned unknown status", zap.String("path", rec.Path), zap.String("url", rawURL))
					lastErr = fmt.Errorf("responder returned unknown status")
				}
			}
		}

		if attempt == a.retryMax {
			break
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		a.log.Info("retrying OCSP request", zap.String("path", rec.Path), zap.String("url", rawURL), zap.Duration("after", sleep))
		if err := sleepCtx(ctx, sleep); err != nil {
			return nil, nil, err
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("exhausted retries")
	}
	return nil, nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post sends one OCSP request to rawURL with the headers an OCSP responder expects.
func (a *Acquirer) post(ctx context.Context, rawURL string, der []byte) ([]byte, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid responder URL %q: %w", rawURL, err)
	}

	if lim := a.limiterFor(parsed.Hostname()); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, err
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, rawURL, bytes.NewReader(der))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")
	req.Host = parsed.Hostname()

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad HTTP status %s from %s", resp.Status, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (a *Acquirer) limiterFor(host string) *rate.Limiter {
	if a.limiterRate <= 0 {
		return nil
	}
	a.limitersMu.Lock()
	defer a.limitersMu.Unlock()
	lim, ok := a.limiters[host]
	if !ok {
		lim = rate.NewLimiter(a.limiterRate, 1)
		a.limiters[host] = lim
	}
	return lim
}

// validateAndPersist re-runs chain validation with the staple in context and,
// only if that succeeds, atomically writes the DER bytes to <path>.ocsp.
func (a *Acquirer) validateAndPersist(rec *record.Record, resp *ocsp.Response, raw []byte) error {
	chain, err := validate.Validate(rec.EndEntity, rec.Intermediates, resp)
	if err != nil {
		return err
	}

	if err := writeAtomic(rec.StapleFilePath(), raw); err != nil {
		return &ocsperrors.IoError{Path: rec.StapleFilePath(), Err: err}
	}

	rec.SetStaple(chain, raw, resp.NextUpdate)

	a.log.Info("wrote OCSP staple",
		zap.String("path", rec.Path),
		zap.String("staple_file", rec.StapleFilePath()),
		zap.String("size", humanize.Bytes(uint64(len(raw)))),
		zap.Time("valid_until", resp.NextUpdate))

	return nil
}

// writeAtomic writes data to path by writing to a temp file in the same
// directory and renaming over the destination, so readers never observe a
// partially written staple.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
